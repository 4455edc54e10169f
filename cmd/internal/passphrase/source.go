// Package passphrase resolves the secret that unlocks the node keystore.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

var (
	ErrBlank    = errors.New("passphrase: blank")
	ErrMismatch = errors.New("passphrase: entries differ")
	// ErrNoTerminal means neither the environment nor an interactive
	// terminal can supply the passphrase.
	ErrNoTerminal = errors.New("passphrase: no terminal")
)

// Prompt reads one secret line after showing label.
type Prompt func(label string) (string, error)

// Source yields the keystore passphrase from an environment variable when it
// is set, otherwise from a prompt. The first outcome is kept for later calls.
type Source struct {
	env     string
	prompt  Prompt
	confirm bool

	once   sync.Once
	secret string
	err    error
}

// NewSource reads env first and falls back to the controlling terminal.
func NewSource(env string) *Source {
	return &Source{env: strings.TrimSpace(env), prompt: terminal}
}

// WithPrompt replaces the terminal prompt.
func (s *Source) WithPrompt(p Prompt) *Source {
	s.prompt = p
	return s
}

// Confirmed makes the prompt ask twice. Used when a new keystore is written.
func (s *Source) Confirmed() *Source {
	s.confirm = true
	return s
}

func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.secret, s.err = s.resolve() })
	return s.secret, s.err
}

func (s *Source) resolve() (string, error) {
	if s.env != "" {
		if v, ok := os.LookupEnv(s.env); ok {
			if strings.TrimSpace(v) == "" {
				return "", fmt.Errorf("%w: %s is set but empty", ErrBlank, s.env)
			}
			return v, nil
		}
	}
	secret, err := s.prompt("Node keystore passphrase: ")
	if errors.Is(err, ErrNoTerminal) && s.env != "" {
		return "", fmt.Errorf("%w: set %s or run interactively", err, s.env)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(secret) == "" {
		return "", ErrBlank
	}
	if !s.confirm {
		return secret, nil
	}
	again, err := s.prompt("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if again != secret {
		return "", ErrMismatch
	}
	return secret, nil
}

func terminal(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoTerminal
	}
	fmt.Fprint(os.Stderr, label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("passphrase: read terminal: %w", err)
	}
	return string(raw), nil
}
