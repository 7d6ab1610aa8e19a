// Package auth provides the credential lookup collaborator for exchange
// connections. Credentials are optional: a connection without them is
// restricted to public channels.
package auth

import (
	"os"
	"strings"
	"sync"
)

// Credentials holds the API key set for one exchange.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// Complete reports whether all three parts are present.
func (c Credentials) Complete() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

// Lookup resolves credentials for an exchange. The second return value is
// false when no (complete) credentials are configured, which is a valid
// state, not an error.
type Lookup interface {
	Credentials(exchange string) (Credentials, bool)
}

// EnvLookup reads credentials from environment variables named
// {EXCHANGE}_API_KEY, {EXCHANGE}_SECRET_KEY and {EXCHANGE}_PASSPHRASE.
type EnvLookup struct{}

// Credentials implements Lookup.
func (EnvLookup) Credentials(exchange string) (Credentials, bool) {
	prefix := strings.ToUpper(exchange)
	c := Credentials{
		Key:        os.Getenv(prefix + "_API_KEY"),
		Secret:     os.Getenv(prefix + "_SECRET_KEY"),
		Passphrase: os.Getenv(prefix + "_PASSPHRASE"),
	}
	if !c.Complete() {
		return Credentials{}, false
	}
	return c, true
}

// StaticLookup serves credentials from an in-memory map, typically populated
// from the config file. Safe for concurrent use.
type StaticLookup struct {
	mu    sync.RWMutex
	creds map[string]Credentials
}

// NewStaticLookup creates a StaticLookup from the given map. Incomplete
// entries are dropped.
func NewStaticLookup(creds map[string]Credentials) *StaticLookup {
	s := &StaticLookup{creds: make(map[string]Credentials, len(creds))}
	for name, c := range creds {
		if c.Complete() {
			s.creds[strings.ToLower(name)] = c
		}
	}
	return s
}

// Credentials implements Lookup.
func (s *StaticLookup) Credentials(exchange string) (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[strings.ToLower(exchange)]
	return c, ok
}

// Chain tries each Lookup in order and returns the first hit. A config-file
// entry placed before EnvLookup therefore overrides the environment.
type Chain []Lookup

// Credentials implements Lookup.
func (ch Chain) Credentials(exchange string) (Credentials, bool) {
	for _, l := range ch {
		if c, ok := l.Credentials(exchange); ok {
			return c, true
		}
	}
	return Credentials{}, false
}
