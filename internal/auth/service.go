package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"learnhub.org/internal/ids"
	"learnhub.org/internal/obs"
)

const (
	defaultIssuer      = "learnhub"
	defaultAccessTTL   = 15 * time.Minute
	defaultRenewalTTL  = 24 * time.Hour * 14
	defaultReplayGrace = 10 * time.Second
)

// AuditFunc records a security-relevant event.
type AuditFunc func(ctx context.Context, event string, fields map[string]any) error

// Service issues, renews and revokes session credentials.
type Service struct {
	store       Store
	signer      *Signer
	secret      []byte
	now         func() time.Time
	issuer      string
	accessTTL   time.Duration
	renewalTTL  time.Duration
	replayGrace time.Duration
	logger      *zap.Logger
	audit       AuditFunc
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = strings.TrimSpace(issuer)
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRenewalTTL configures refresh token lifetime.
func WithRenewalTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.renewalTTL = ttl
		}
		return nil
	}
}

// WithReplayGrace sets how long after a rotation a second presentation of the
// same token is treated as a lost race rather than theft. Zero disables it.
func WithReplayGrace(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return fmt.Errorf("auth: replay grace must not be negative, got %s", d)
		}
		s.replayGrace = d
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger overrides the service logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithAuditor sends security events to fn.
func WithAuditor(fn AuditFunc) ServiceOption {
	return func(s *Service) error {
		s.audit = fn
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, secret string, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is required")
	}
	svc := &Service{
		store:       store,
		secret:      []byte(secret),
		now:         time.Now,
		issuer:      defaultIssuer,
		accessTTL:   defaultAccessTTL,
		renewalTTL:  defaultRenewalTTL,
		replayGrace: defaultReplayGrace,
		logger:      obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.accessTTL >= svc.renewalTTL {
		return nil, fmt.Errorf("auth: access ttl %s must be shorter than renewal ttl %s", svc.accessTTL, svc.renewalTTL)
	}
	signer, err := NewSigner(svc.secret, svc.issuer, svc.now)
	if err != nil {
		return nil, err
	}
	svc.signer = signer
	svc.logger = svc.logger.Named("auth")
	return svc, nil
}

// Verifier returns the stateless access credential verifier.
func (s *Service) Verifier() Verifier { return s.signer }

// AccessTTL returns the configured access credential lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RenewalTTL returns the configured renewal credential lifetime.
func (s *Service) RenewalTTL() time.Duration { return s.renewalTTL }

// Issue mints a fresh access credential and renewal credential for the subject.
func (s *Service) Issue(ctx context.Context, subjectID string, role Role) (TokenPair, error) {
	pair, rec, err := s.mint(subjectID, role, s.now())
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.Renewals(ctx).Create(ctx, rec); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

func (s *Service) mint(subjectID string, role Role, now time.Time) (TokenPair, *RenewalCredential, error) {
	access, accessExp, err := s.signer.Sign(subjectID, role, s.accessTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}
	value, err := newRenewalToken()
	if err != nil {
		return TokenPair{}, nil, err
	}
	rec := &RenewalCredential{
		ID:        ids.NewAt(now),
		SubjectID: subjectID,
		TokenHash: HashRenewalToken(value),
		ExpiresAt: now.UTC().Add(s.renewalTTL),
		CreatedAt: now.UTC(),
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, rec, nil
}

// Login authenticates email and password and issues a token pair. Unknown
// emails, wrong passwords and disabled accounts all yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		burnPasswordCheck(password)
		s.loginFailed(ctx, "missing_fields")
		return TokenPair{}, nil, ErrInvalidCredentials
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.ObserveLogin("error")
			return TokenPair{}, nil, err
		}
		burnPasswordCheck(password)
		s.loginFailed(ctx, "unknown_email")
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		s.loginFailed(ctx, "bad_password")
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if !user.Active() {
		s.loginFailed(ctx, "inactive")
		return TokenPair{}, nil, ErrInvalidCredentials
	}

	pair, err := s.Issue(ctx, user.ID, user.Role)
	if err != nil {
		obs.ObserveLogin("error")
		return TokenPair{}, nil, err
	}
	obs.ObserveLogin("success")
	s.record(ctx, "auth.login", map[string]any{"subject_id": user.ID, "role": string(user.Role)})
	return pair, user, nil
}

func (s *Service) loginFailed(ctx context.Context, reason string) {
	obs.ObserveLogin("failure")
	s.logger.Info("login rejected", zap.String("reason", reason))
	s.record(ctx, "auth.login_failed", map[string]any{"reason": reason})
}

// Renew exchanges a renewal token for a new pair. The presented token is
// consumed exactly once; presenting a consumed token again revokes every
// active renewal credential of its subject, unless it comes back within the
// replay grace of its rotation.
func (s *Service) Renew(ctx context.Context, renewalToken string) (TokenPair, *User, error) {
	renewalToken = strings.TrimSpace(renewalToken)
	if renewalToken == "" {
		obs.ObserveRenewal("invalid")
		return TokenPair{}, nil, ErrInvalidOrConsumedRenewal
	}

	now := s.now()
	hash := HashRenewalToken(renewalToken)
	var (
		pair TokenPair
		user *User
	)
	old, err := s.store.Renewals(ctx).Rotate(ctx, hash, now, func(ctx context.Context, users UserStore, old RenewalCredential) (*RenewalCredential, error) {
		if users == nil {
			users = s.store.Users(ctx)
		}
		u, err := users.Find(ctx, old.SubjectID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrInvalidOrConsumedRenewal
			}
			return nil, err
		}
		if !u.Active() {
			return nil, ErrInvalidOrConsumedRenewal
		}
		// Role is re-read so a role change takes effect at the next renewal.
		p, rec, err := s.mint(u.ID, u.Role, now)
		if err != nil {
			return nil, err
		}
		pair, user = p, u
		return rec, nil
	})
	switch {
	case err == nil:
		obs.ObserveRenewal("success")
		s.record(ctx, "auth.renewal", map[string]any{"subject_id": old.SubjectID})
		return pair, user, nil
	case errors.Is(err, ErrRenewalReplayed):
		s.handleReplay(ctx, old, hash, now)
		return TokenPair{}, nil, ErrInvalidOrConsumedRenewal
	case errors.Is(err, ErrRenewalExpired):
		obs.ObserveRenewal("expired")
		return TokenPair{}, nil, ErrInvalidOrConsumedRenewal
	case errors.Is(err, ErrRenewalRevoked):
		obs.ObserveRenewal("revoked")
		return TokenPair{}, nil, ErrInvalidOrConsumedRenewal
	case errors.Is(err, ErrInvalidOrConsumedRenewal):
		obs.ObserveRenewal("invalid")
		return TokenPair{}, nil, ErrInvalidOrConsumedRenewal
	default:
		obs.ObserveRenewal("error")
		s.logger.Error("renewal failed", zap.Error(err))
		return TokenPair{}, nil, err
	}
}

func (s *Service) handleReplay(ctx context.Context, old RenewalCredential, hash string, now time.Time) {
	if s.replayGrace > 0 && (old.ConsumedAt == nil || now.Sub(*old.ConsumedAt) < s.replayGrace) {
		obs.ObserveRenewal("raced")
		s.logger.Info("renewal lost a concurrent rotation",
			zap.String("subject_id", old.SubjectID),
			zap.String("token_hash", shortHash(hash)))
		return
	}
	obs.ObserveRenewal("replayed")
	obs.ObserveReplay()

	revoked, err := s.store.Renewals(ctx).RevokeSubject(ctx, old.SubjectID, now)
	fields := []zap.Field{
		zap.String("subject_id", old.SubjectID),
		zap.String("token_hash", shortHash(hash)),
		zap.Int("revoked", revoked),
	}
	if err != nil {
		s.logger.Error("renewal replay detected; revoking subject credentials failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Warn("renewal replay detected; subject credentials revoked", fields...)
	}
	s.record(ctx, "auth.renewal_replay", map[string]any{
		"subject_id": old.SubjectID,
		"token_hash": shortHash(hash),
		"revoked":    revoked,
	})
}

// Logout revokes the renewal credential. Unknown or empty tokens are ignored.
func (s *Service) Logout(ctx context.Context, renewalToken string) error {
	renewalToken = strings.TrimSpace(renewalToken)
	if renewalToken == "" {
		return nil
	}
	hash := HashRenewalToken(renewalToken)
	if err := s.store.Renewals(ctx).Revoke(ctx, hash, s.now()); err != nil {
		return err
	}
	s.record(ctx, "auth.logout", map[string]any{"token_hash": shortHash(hash)})
	return nil
}

// WhoAmI returns the profile behind a verified identity.
func (s *Service) WhoAmI(ctx context.Context, subjectID string) (*User, error) {
	user, err := s.store.Users(ctx).Find(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidOrExpiredAccess
		}
		return nil, err
	}
	if !user.Active() {
		return nil, ErrInvalidOrExpiredAccess
	}
	return user, nil
}

// Register creates an active student account.
func (s *Service) Register(ctx context.Context, email, password, name string) (*User, error) {
	return s.createUser(ctx, email, password, name, RoleStudent)
}

// Bootstrap ensures an admin account with the given email exists.
func (s *Service) Bootstrap(ctx context.Context, email, password, name string) (*User, bool, error) {
	existing, err := s.store.Users(ctx).FindByEmail(ctx, normalizeEmail(email))
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, err
	}
	user, err := s.createUser(ctx, email, password, name, RoleAdmin)
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

func (s *Service) createUser(ctx context.Context, email, password, name string, role Role) (*User, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if name == "" {
		name = email
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.NewAt(now),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         role,
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	s.record(ctx, "auth.user_created", map[string]any{"subject_id": user.ID, "role": string(role)})
	return user, nil
}

// ChangeRole assigns a new role. Credentials already issued keep the old role
// until they are renewed.
func (s *Service) ChangeRole(ctx context.Context, userID string, role Role) (*User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	users := s.store.Users(ctx)
	if err := users.UpdateRole(ctx, userID, role, s.now().UTC()); err != nil {
		return nil, err
	}
	user, err := users.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{"subject_id": userID, "role": string(role)}
	if actor, ok := IdentityFromContext(ctx); ok {
		fields["actor_id"] = actor.SubjectID
	}
	s.record(ctx, "auth.role_changed", fields)
	return user, nil
}

// PurgeExpired removes renewal credentials past their expiry.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	return s.store.Renewals(ctx).PurgeExpired(ctx, s.now())
}

func (s *Service) record(ctx context.Context, event string, fields map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit(ctx, event, fields); err != nil {
		s.logger.Warn("audit event dropped", zap.String("event", event), zap.Error(err))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
