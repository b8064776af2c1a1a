package auth

import (
	"sync"
	"time"
)

// Identity is one connection's credential state. Everything here lives in
// memory only; nothing is persisted.
type Identity struct {
	// ID names the identity across calls, e.g. a username or org alias.
	ID string
	// AccessToken is the current bearer token.
	AccessToken string
	// RefreshToken empty means the identity cannot be refreshed, so an
	// unauthorized response is immediately terminal.
	RefreshToken string
	// InstanceURL is the identity's API host.
	InstanceURL string
	// LoginURL is the host that issued the tokens and performs exchanges.
	LoginURL string
	// ClientID optionally names the connected app for token exchanges.
	ClientID string
	// LastUsedAt is bumped on every successful authorized call.
	LastUsedAt time.Time
}

// Store holds the identities of one client process. All methods are safe for
// concurrent use. Get returns a copy, so callers never alias stored state.
type Store struct {
	mu         sync.Mutex
	identities map[string]Identity
}

func NewStore() *Store {
	return &Store{identities: make(map[string]Identity)}
}

// Put adds or replaces an identity.
func (s *Store) Put(ident Identity) {
	s.mu.Lock()
	s.identities[ident.ID] = ident
	s.mu.Unlock()
}

// Get looks an identity up by id.
func (s *Store) Get(id string) (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	return ident, ok
}

// Remove forgets an identity.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.identities, id)
	s.mu.Unlock()
}

// SetAccessToken swaps in a new access token, reporting whether the identity
// exists.
func (s *Store) SetAccessToken(id, accessToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return false
	}
	ident.AccessToken = accessToken
	ident.LastUsedAt = time.Now()
	s.identities[id] = ident
	return true
}

// SetInstanceURL moves an identity to a new API host.
func (s *Store) SetInstanceURL(id, instanceURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return false
	}
	ident.InstanceURL = instanceURL
	s.identities[id] = ident
	return true
}

// Touch bumps an identity's last-used time.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return
	}
	ident.LastUsedAt = time.Now()
	s.identities[id] = ident
}
