package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"learnhub.org/internal/dbx"
)

const pgUniqueViolation = "23505"

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore       { return &userStore{db: s.db} }
func (s *PGStore) Renewals(context.Context) RenewalStore { return &renewalStore{db: s.db} }

// User store ---------------------------------------------------------------
type userStore struct{ db dbx.DBTX }

const userColumns = `id, email, name, password_hash, role, status, created_at, updated_at`

func (s *userStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, name, password_hash, role, status, created_at, updated_at) values($1,$2,$3,$4,$5,$6,$7,$8)`,
		u.ID, u.Email, u.Name, u.PasswordHash, string(u.Role), u.Status, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return unavailable("insert user", err)
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email=$1`, email))
}

func (s *userStore) UpdateRole(ctx context.Context, userID string, role Role, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set role=$2, updated_at=$3 where id=$1`, userID, string(role), now)
	if err != nil {
		return unavailable("update role", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update role", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u    User
		role string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("select user", err)
	}
	u.Role = Role(role)
	return &u, nil
}

// Renewal store ------------------------------------------------------------
type renewalStore struct{ db *sql.DB }

func (s *renewalStore) Create(ctx context.Context, c *RenewalCredential) error {
	return insertRenewal(ctx, s.db, c)
}

func insertRenewal(ctx context.Context, q dbx.DBTX, c *RenewalCredential) error {
	_, err := q.ExecContext(ctx,
		`insert into renewal_credentials(id, subject_id, token_hash, expires_at, created_at) values($1,$2,$3,$4,$5)`,
		c.ID, c.SubjectID, c.TokenHash, c.ExpiresAt, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return unavailable("insert renewal credential", err)
	}
	return nil
}

// Rotate relies on the row lock taken by the conditional update: a second
// transaction for the same hash waits, re-evaluates the predicate against the
// committed consumed_at and matches nothing.
func (s *renewalStore) Rotate(ctx context.Context, tokenHash string, now time.Time, next RotateFunc) (RenewalCredential, error) {
	var old RenewalCredential
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		row := tx.QueryRowContext(ctx,
			`update renewal_credentials set consumed_at=$2
			 where token_hash=$1 and consumed_at is null and revoked_at is null and expires_at > $2
			 returning id, subject_id, token_hash, expires_at, created_at`,
			tokenHash, now,
		)
		if err := row.Scan(&old.ID, &old.SubjectID, &old.TokenHash, &old.ExpiresAt, &old.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				var classifyErr error
				old, classifyErr = classifyRenewal(ctx, tx, tokenHash, now)
				return classifyErr
			}
			return unavailable("consume renewal credential", err)
		}
		consumedAt := now
		old.ConsumedAt = &consumedAt

		replacement, err := next(ctx, &userStore{db: tx}, old)
		if err != nil {
			return err
		}
		if replacement == nil {
			return fmt.Errorf("%w: rotate produced no replacement", ErrInvalidInput)
		}
		return insertRenewal(ctx, tx, replacement)
	})
	if err != nil {
		if isDomainError(err) {
			return old, err
		}
		// begin and commit failures
		return old, unavailable("rotate", err)
	}
	return old, nil
}

func classifyRenewal(ctx context.Context, q dbx.DBTX, tokenHash string, now time.Time) (RenewalCredential, error) {
	var (
		c                     RenewalCredential
		consumedAt, revokedAt sql.NullTime
	)
	row := q.QueryRowContext(ctx,
		`select id, subject_id, token_hash, expires_at, created_at, consumed_at, revoked_at
		 from renewal_credentials where token_hash=$1`, tokenHash)
	if err := row.Scan(&c.ID, &c.SubjectID, &c.TokenHash, &c.ExpiresAt, &c.CreatedAt, &consumedAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RenewalCredential{}, ErrInvalidOrConsumedRenewal
		}
		return RenewalCredential{}, unavailable("select renewal credential", err)
	}
	if consumedAt.Valid {
		c.ConsumedAt = &consumedAt.Time
	}
	if revokedAt.Valid {
		c.RevokedAt = &revokedAt.Time
	}
	if err := rejection(&c, now); err != nil {
		return c, err
	}
	// Active row that the update did not match: treat as a lost race.
	return c, ErrRenewalReplayed
}

func (s *renewalStore) Revoke(ctx context.Context, tokenHash string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update renewal_credentials set revoked_at=$2 where token_hash=$1 and revoked_at is null`,
		tokenHash, now)
	if err != nil {
		return unavailable("revoke renewal credential", err)
	}
	return nil
}

func (s *renewalStore) RevokeSubject(ctx context.Context, subjectID string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`update renewal_credentials set revoked_at=$2
		 where subject_id=$1 and consumed_at is null and revoked_at is null and expires_at > $2`,
		subjectID, now)
	if err != nil {
		return 0, unavailable("revoke subject", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("revoke subject", err)
	}
	return int(n), nil
}

func (s *renewalStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from renewal_credentials where expires_at <= $1`, now)
	if err != nil {
		return 0, unavailable("purge renewal credentials", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("purge renewal credentials", err)
	}
	return int(n), nil
}

func isDomainError(err error) bool {
	for _, target := range []error{ErrInvalidOrConsumedRenewal, ErrStoreUnavailable, ErrInvalidInput, ErrAlreadyExists, ErrNotFound} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
