package auth

import "time"

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is a platform account. Every user holds exactly one role.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         Role
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the user may sign in.
func (u *User) Active() bool {
	return u != nil && u.Status == UserStatusActive
}

// RenewalCredential is the server-side record of a renewal token. Only the
// SHA-256 hash of the token value is stored.
type RenewalCredential struct {
	ID         string
	SubjectID  string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time
	RevokedAt  *time.Time
}

// ActiveAt reports whether the credential can still be exchanged at now.
func (c *RenewalCredential) ActiveAt(now time.Time) bool {
	return c.ConsumedAt == nil && c.RevokedAt == nil && now.Before(c.ExpiresAt)
}

// Identity is what a verified access credential asserts.
type Identity struct {
	SubjectID string
	Role      Role
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
