package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const dnsSeedTimeout = 3 * time.Second

// ResolveDNSSeeds looks up TXT records for each domain and returns the
// "host:port" endpoints they list. Entries may be separated by commas or
// spaces. When server is empty the system resolver is used.
func ResolveDNSSeeds(ctx context.Context, server string, domains []string) ([]string, error) {
	var (
		out  []string
		errs []error
		seen = make(map[string]struct{})
	)
	for _, domain := range domains {
		domain = strings.TrimSpace(domain)
		if domain == "" {
			continue
		}
		records, err := lookupTXT(ctx, server, domain)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed %s: %w", domain, err))
			continue
		}
		for _, record := range records {
			for _, field := range strings.FieldsFunc(record, func(r rune) bool { return r == ',' || r == ' ' }) {
				if _, _, err := net.SplitHostPort(field); err != nil {
					continue
				}
				if _, dup := seen[field]; dup {
					continue
				}
				seen[field] = struct{}{}
				out = append(out, field)
			}
		}
	}
	return out, errors.Join(errs...)
}

func lookupTXT(ctx context.Context, server, domain string) ([]string, error) {
	if server == "" {
		return net.DefaultResolver.LookupTXT(ctx, domain)
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeTXT)
	client := &dns.Client{Net: "udp", Timeout: dnsSeedTimeout}
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}
	var records []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	return records, nil
}
