package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const accessTokenType = "access"

// Verifier checks access credentials. Implementations perform no I/O.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Claims represents JWT claims carried by an access credential.
type Claims struct {
	Role      string `json:"role"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 access credentials.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

var _ Verifier = (*Signer)(nil)

// NewSigner builds a Signer. now defaults to time.Now.
func NewSigner(secret []byte, issuer string, now func() time.Time) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if now == nil {
		now = time.Now
	}
	s := &Signer{secret: secret, issuer: issuer, now: now}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	return s, nil
}

// Sign issues an access credential for subjectID valid for ttl.
func (s *Signer) Sign(subjectID string, role Role, ttl time.Duration) (string, time.Time, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}

	now := s.now().UTC()
	claims := Claims{
		Role:      string(role),
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks signature, issuer, expiry and claim shape. Every failure is
// reported as ErrInvalidOrExpiredAccess.
func (s *Signer) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidOrExpiredAccess
	}
	claims := &Claims{}
	parsed, err := s.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidOrExpiredAccess
	}
	if claims.TokenType != accessTokenType || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidOrExpiredAccess
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Identity{}, ErrInvalidOrExpiredAccess
	}
	if claims.IssuedAt == nil {
		return Identity{}, ErrInvalidOrExpiredAccess
	}
	return Identity{
		SubjectID: claims.Subject,
		Role:      role,
		TokenID:   claims.ID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
