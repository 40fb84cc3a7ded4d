package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Renewals(ctx context.Context) RenewalStore
}

// UserStore manages users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdateRole(ctx context.Context, userID string, role Role, now time.Time) error
}

// RotateFunc builds the replacement for a credential that was just consumed.
// Returning an error aborts the rotation and leaves the old credential usable.
// users reads through the resources the rotation already holds, such as an
// open transaction; nil means the caller's own user store is safe to use.
type RotateFunc func(ctx context.Context, users UserStore, old RenewalCredential) (*RenewalCredential, error)

// RenewalStore manages the renewal credential lifecycle.
type RenewalStore interface {
	Create(ctx context.Context, c *RenewalCredential) error

	// Rotate atomically consumes the active credential with the given hash and
	// persists the replacement returned by next. Among concurrent callers for
	// one hash at most one succeeds. Rejections wrap ErrInvalidOrConsumedRenewal;
	// ErrRenewalReplayed comes with the consumed credential so the caller can
	// act on its subject.
	Rotate(ctx context.Context, tokenHash string, now time.Time, next RotateFunc) (RenewalCredential, error)

	// Revoke marks the credential revoked. Unknown hashes are not an error.
	Revoke(ctx context.Context, tokenHash string, now time.Time) error

	// RevokeSubject revokes every active credential of the subject.
	RevokeSubject(ctx context.Context, subjectID string, now time.Time) (int, error)

	// PurgeExpired drops credentials whose expiry has passed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type combinedStore struct {
	users    UserStore
	renewals RenewalStore
}

// CombineStores serves users and renewal credentials from different backends.
func CombineStores(users UserStore, renewals RenewalStore) Store {
	return &combinedStore{users: users, renewals: renewals}
}

func (s *combinedStore) Users(context.Context) UserStore       { return s.users }
func (s *combinedStore) Renewals(context.Context) RenewalStore { return s.renewals }
