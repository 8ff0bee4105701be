package main

import (
	"sync"

	"golang.org/x/oauth2"
)

// swappableTokens is a static token source whose token can be replaced
// after a SIGHUP.
type swappableTokens struct {
	mu  sync.RWMutex
	src oauth2.TokenSource
}

func newSwappableTokens(access string) *swappableTokens {
	t := &swappableTokens{}
	t.Set(access)

	return t
}

func (t *swappableTokens) Token() (*oauth2.Token, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.src.Token()
}

// Set replaces the access token.
func (t *swappableTokens) Set(access string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.src = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access})
}
