package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InMemoryStore implements Store with in-process concurrency safety. Used by
// tests, the scenario simulator and DSN-less development runs; production
// deployments use the PostgreSQL store.
type InMemoryStore struct {
	mu           sync.Mutex
	users        map[string]*User         // id -> user
	usersByEmail map[string]string        // email -> id
	tokens       map[string]*RefreshToken // id -> record
	byDigest     map[string]string        // secret digest -> record id
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:        make(map[string]*User),
		usersByEmail: make(map[string]string),
		tokens:       make(map[string]*RefreshToken),
		byDigest:     make(map[string]string),
	}
}

func (s *InMemoryStore) CreateUser(ctx context.Context, u *User) error {
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return ErrInvalidInput
	}
	email := strings.TrimSpace(strings.ToLower(u.Email))
	if email == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.usersByEmail[email]; ok {
		return ErrConflict
	}
	cp := *u
	cp.Email = email
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.users[cp.ID] = &cp
	s.usersByEmail[email] = cp.ID
	return nil
}

func (s *InMemoryStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *InMemoryStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// UpdateUserRole is a test and tooling helper; the service itself never
// writes user rows.
func (s *InMemoryStore) UpdateUserRole(ctx context.Context, id, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Role = normalizeRole(role)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) InsertRefreshToken(ctx context.Context, tok *RefreshToken) error {
	if tok == nil || tok.ID == "" || tok.SecretDigest == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertLocked(tok)
}

func (s *InMemoryStore) insertLocked(tok *RefreshToken) error {
	if _, ok := s.byDigest[tok.SecretDigest]; ok {
		return ErrDigestConflict
	}
	if _, ok := s.tokens[tok.ID]; ok {
		return ErrConflict
	}
	cp := cloneToken(tok)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.tokens[cp.ID] = cp
	s.byDigest[cp.SecretDigest] = cp.ID
	return nil
}

func (s *InMemoryStore) FindRefreshTokenByDigest(ctx context.Context, digest string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byDigest[digest]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneToken(s.tokens[id]), nil
}

func (s *InMemoryStore) FindActiveRefreshTokenByDigest(ctx context.Context, digest string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byDigest[digest]
	if !ok {
		return nil, ErrNotFound
	}
	tok := s.tokens[id]
	if tok.Revoked() {
		return nil, ErrNotFound
	}
	return cloneToken(tok), nil
}

func (s *InMemoryStore) RevokeRefreshToken(ctx context.Context, id, supersededBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeLocked(id, supersededBy, time.Now().UTC())
}

func (s *InMemoryStore) revokeLocked(id, supersededBy string, at time.Time) error {
	tok, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if tok.Revoked() {
		return ErrAlreadyRevoked
	}
	tok.RevokedAt = &at
	if supersededBy != "" {
		successor := supersededBy
		tok.SupersededBy = &successor
	}
	return nil
}

func (s *InMemoryStore) RotateRefreshToken(ctx context.Context, parentID string, child *RefreshToken) error {
	if child == nil || child.ID == "" || child.SecretDigest == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check the parent before touching anything so a lost race leaves no
	// trace of the child.
	parent, ok := s.tokens[parentID]
	if !ok {
		return ErrNotFound
	}
	if parent.Revoked() {
		return ErrAlreadyRevoked
	}
	if err := s.insertLocked(child); err != nil {
		return err
	}
	return s.revokeLocked(parentID, child.ID, time.Now().UTC())
}

func (s *InMemoryStore) RevokeAllRefreshTokensForUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	revoked := 0
	for _, tok := range s.tokens {
		if tok.UserID != userID || tok.Revoked() {
			continue
		}
		at := now
		tok.RevokedAt = &at
		revoked++
	}
	return revoked, nil
}

func (s *InMemoryStore) DeleteExpiredRefreshTokens(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, tok := range s.tokens {
		if tok.ValidUntil.Before(cutoff) {
			delete(s.byDigest, tok.SecretDigest)
			delete(s.tokens, id)
			deleted++
		}
	}
	return deleted, nil
}

// ActiveRefreshTokenCount reports the number of unrevoked records for the
// user. Handy for assertions and the simulator's outcome table.
func (s *InMemoryStore) ActiveRefreshTokenCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, tok := range s.tokens {
		if tok.UserID == userID && !tok.Revoked() {
			n++
		}
	}
	return n
}

func cloneToken(tok *RefreshToken) *RefreshToken {
	cp := *tok
	if tok.RevokedAt != nil {
		at := *tok.RevokedAt
		cp.RevokedAt = &at
	}
	if tok.SupersededBy != nil {
		successor := *tok.SupersededBy
		cp.SupersededBy = &successor
	}
	return &cp
}
