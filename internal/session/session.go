// Package session holds per-connection authentication state (spec §4.6).
// A Session starts unauthenticated; a successful "authenticate" RPC call
// sets its account and expiry. Every other RPC call, and every feed tick,
// must pass CheckAuth before doing any work.
package session

import (
	"sync"
	"time"

	"github.com/satgateway/gateway/internal/rpcerr"
)

// Session is the authentication state attached to one connection. The zero
// value is a valid, unauthenticated session. Safe for concurrent use by the
// connection's worker pool.
type Session struct {
	mu        sync.RWMutex
	accountID string
	expiry    time.Time
	set       bool
}

// New returns an unauthenticated Session.
func New() *Session {
	return &Session{}
}

// Authenticate records accountID as authenticated until expiry. It
// supersedes any previous authentication on this connection; there is no
// partial re-authentication short of calling this again.
func (s *Session) Authenticate(accountID string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountID = accountID
	s.expiry = expiry
	s.set = true
}

// CheckAuth returns the authenticated account id, or a rpcerr.Unauthenticated
// error if the session was never authenticated or its expiry has passed.
func (s *Session) CheckAuth() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.set {
		return "", rpcerr.Unauthenticated()
	}
	if time.Now().After(s.expiry) {
		return "", rpcerr.Unauthenticated()
	}
	return s.accountID, nil
}

// IsAuthenticated reports whether CheckAuth would currently succeed,
// without returning an error value. Used by the feed subsystem's
// per-tick auth recheck where an error return isn't otherwise needed.
func (s *Session) IsAuthenticated() bool {
	_, err := s.CheckAuth()
	return err == nil
}
