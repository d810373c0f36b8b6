package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrNoTerminal is returned when the passphrase is neither in the environment
// nor obtainable from an interactive terminal.
var ErrNoTerminal = errors.New("keystore passphrase required and no terminal available")

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting the operator. The value is cached after the first successful
// retrieval so repeated wallet connects reuse the same secret.
type Source struct {
	envVar string
	fd     int

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal attached to stdin.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), fd: int(os.Stdin.Fd())}
}

// Get returns the cached passphrase or resolves it if this is the first call.
// Whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	if !term.IsTerminal(s.fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("%w; set %s or run interactively", ErrNoTerminal, s.envVar)
		}
		return "", ErrNoTerminal
	}

	fmt.Fprint(os.Stderr, "Enter sender keystore passphrase: ")
	raw, err := term.ReadPassword(s.fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	passphrase := string(raw)
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	return passphrase, nil
}
