package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps users and renewal credentials in process memory. Users
// and renewals are guarded separately so a RotateFunc may read users.
type MemoryStore struct {
	usersMu sync.RWMutex
	users   map[string]User
	byEmail map[string]string

	renewalsMu sync.Mutex
	renewals   map[string]RenewalCredential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		byEmail:  make(map[string]string),
		renewals: make(map[string]RenewalCredential),
	}
}

func (s *MemoryStore) Users(context.Context) UserStore       { return memoryUsers{s} }
func (s *MemoryStore) Renewals(context.Context) RenewalStore { return memoryRenewals{s} }

type memoryUsers struct{ s *MemoryStore }

func (m memoryUsers) Create(_ context.Context, u *User) error {
	if u == nil || u.ID == "" || u.Email == "" {
		return ErrInvalidInput
	}
	m.s.usersMu.Lock()
	defer m.s.usersMu.Unlock()
	if _, ok := m.s.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.s.byEmail[u.Email]; ok {
		return ErrAlreadyExists
	}
	m.s.users[u.ID] = *u
	m.s.byEmail[u.Email] = u.ID
	return nil
}

func (m memoryUsers) Find(_ context.Context, id string) (*User, error) {
	m.s.usersMu.RLock()
	defer m.s.usersMu.RUnlock()
	u, ok := m.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m memoryUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.s.usersMu.RLock()
	defer m.s.usersMu.RUnlock()
	id, ok := m.s.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	u := m.s.users[id]
	return &u, nil
}

func (m memoryUsers) UpdateRole(_ context.Context, userID string, role Role, now time.Time) error {
	m.s.usersMu.Lock()
	defer m.s.usersMu.Unlock()
	u, ok := m.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	u.UpdatedAt = now
	m.s.users[userID] = u
	return nil
}

type memoryRenewals struct{ s *MemoryStore }

func (m memoryRenewals) Create(_ context.Context, c *RenewalCredential) error {
	if c == nil || c.TokenHash == "" || c.SubjectID == "" {
		return ErrInvalidInput
	}
	m.s.renewalsMu.Lock()
	defer m.s.renewalsMu.Unlock()
	if _, ok := m.s.renewals[c.TokenHash]; ok {
		return ErrAlreadyExists
	}
	m.s.renewals[c.TokenHash] = *c
	return nil
}

func (m memoryRenewals) Rotate(ctx context.Context, tokenHash string, now time.Time, next RotateFunc) (RenewalCredential, error) {
	m.s.renewalsMu.Lock()
	defer m.s.renewalsMu.Unlock()

	cur, ok := m.s.renewals[tokenHash]
	if !ok {
		return RenewalCredential{}, ErrInvalidOrConsumedRenewal
	}
	if err := rejection(&cur, now); err != nil {
		return cur, err
	}

	replacement, err := next(ctx, nil, cur)
	if err != nil {
		return cur, err
	}
	if replacement == nil {
		return cur, fmt.Errorf("%w: rotate produced no replacement", ErrInvalidInput)
	}
	if _, dup := m.s.renewals[replacement.TokenHash]; dup {
		return cur, ErrAlreadyExists
	}

	consumedAt := now
	cur.ConsumedAt = &consumedAt
	m.s.renewals[tokenHash] = cur
	m.s.renewals[replacement.TokenHash] = *replacement
	return cur, nil
}

// rejection classifies why c cannot be rotated at now, or returns nil.
func rejection(c *RenewalCredential, now time.Time) error {
	switch {
	case c.ConsumedAt != nil && now.Before(c.ExpiresAt):
		return ErrRenewalReplayed
	case c.RevokedAt != nil:
		return ErrRenewalRevoked
	case !now.Before(c.ExpiresAt):
		return ErrRenewalExpired
	}
	return nil
}

func (m memoryRenewals) Revoke(_ context.Context, tokenHash string, now time.Time) error {
	m.s.renewalsMu.Lock()
	defer m.s.renewalsMu.Unlock()
	cur, ok := m.s.renewals[tokenHash]
	if !ok || cur.RevokedAt != nil {
		return nil
	}
	revokedAt := now
	cur.RevokedAt = &revokedAt
	m.s.renewals[tokenHash] = cur
	return nil
}

func (m memoryRenewals) RevokeSubject(_ context.Context, subjectID string, now time.Time) (int, error) {
	m.s.renewalsMu.Lock()
	defer m.s.renewalsMu.Unlock()
	n := 0
	for hash, cur := range m.s.renewals {
		if cur.SubjectID != subjectID || !cur.ActiveAt(now) {
			continue
		}
		revokedAt := now
		cur.RevokedAt = &revokedAt
		m.s.renewals[hash] = cur
		n++
	}
	return n, nil
}

func (m memoryRenewals) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.s.renewalsMu.Lock()
	defer m.s.renewalsMu.Unlock()
	n := 0
	for hash, cur := range m.s.renewals {
		if !now.Before(cur.ExpiresAt) {
			delete(m.s.renewals, hash)
			n++
		}
	}
	return n, nil
}
