package types

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
)

// AccountID identifies a main or proxy account.
type AccountID = crypto.Address

// AssetID names an asset: "PDEX" for the native token, otherwise a decimal
// numeric id.
type AssetID string

// NativeAsset is the host chain's native token.
const NativeAsset AssetID = "PDEX"

// ParseAssetID normalises and validates an asset id.
func ParseAssetID(s string) (AssetID, error) {
	normalized := strings.ToUpper(norm.NFKC.String(strings.TrimSpace(s)))
	if normalized == string(NativeAsset) {
		return NativeAsset, nil
	}
	if normalized == "" || !isDigits(normalized) {
		return "", fmt.Errorf("types: invalid asset id %q", s)
	}
	normalized = strings.TrimLeft(normalized, "0")
	if normalized == "" {
		normalized = "0"
	}
	return AssetID(normalized), nil
}

func (a AssetID) String() string { return string(a) }

func (a *AssetID) UnmarshalText(text []byte) error {
	parsed, err := ParseAssetID(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AccountAsset is the ledger key: one balance per main account and asset.
type AccountAsset struct {
	Main  AccountID `json:"main"`
	Asset AssetID   `json:"asset"`
}

func (k AccountAsset) String() string {
	return k.Main.String() + ":" + string(k.Asset)
}

func (k AccountAsset) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *AccountAsset) UnmarshalText(text []byte) error {
	main, asset, ok := strings.Cut(string(text), ":")
	if !ok {
		return fmt.Errorf("types: invalid account asset %q", text)
	}
	addr, err := crypto.DecodeAddress(main)
	if err != nil {
		return err
	}
	id, err := ParseAssetID(asset)
	if err != nil {
		return err
	}
	k.Main, k.Asset = addr, id
	return nil
}

// AccountProxies lists the proxies registered for a main account.
type AccountProxies struct {
	Main    AccountID   `json:"main" yaml:"main"`
	Proxies []AccountID `json:"proxies" yaml:"proxies"`
}
