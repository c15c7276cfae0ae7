package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kilit.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store implements auth.Store on PostgreSQL via database/sql and the pgx
// stdlib driver.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects to PostgreSQL and applies pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection pool (used by tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- users ---

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return auth.ErrInvalidInput
	}
	email := normalizeEmail(u.Email)
	if email == "" {
		return auth.ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, role, status)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, u.ID, email, u.PasswordHash, u.Role, u.Status)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.getUser(ctx, `
		select id, email, password_hash, role, status, created_at, updated_at
		from users
		where email = $1
	`, normalizeEmail(email))
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*auth.User, error) {
	return s.getUser(ctx, `
		select id, email, password_hash, role, status, created_at, updated_at
		from users
		where id = $1
	`, id)
}

func (s *Store) UpdateUserRole(ctx context.Context, id, role string) error {
	if role == "" {
		return fmt.Errorf("%w: role is empty", auth.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set role = $2, updated_at = now()
		where id = $1
	`, id, role)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) getUser(ctx context.Context, query, arg string) (*auth.User, error) {
	var u auth.User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- refresh tokens ---

func (s *Store) InsertRefreshToken(ctx context.Context, tok *auth.RefreshToken) error {
	if tok == nil || tok.ID == "" || tok.SecretDigest == "" {
		return auth.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, secret_digest, valid_from, valid_until, user_agent, source_ip, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tok.ID, tok.UserID, tok.SecretDigest, tok.ValidFrom, tok.ValidUntil, tok.UserAgent, tok.SourceIP, tok.CreatedAt)
	if err != nil {
		return mapInsertError(err)
	}
	return nil
}

func (s *Store) FindRefreshTokenByDigest(ctx context.Context, digest string) (*auth.RefreshToken, error) {
	return scanRefreshToken(s.db.QueryRowContext(ctx, `
		select id, user_id, secret_digest, valid_from, valid_until, revoked_at, superseded_by, user_agent, source_ip, created_at
		from refresh_tokens
		where secret_digest = $1
	`, digest))
}

func (s *Store) FindActiveRefreshTokenByDigest(ctx context.Context, digest string) (*auth.RefreshToken, error) {
	return scanRefreshToken(s.db.QueryRowContext(ctx, `
		select id, user_id, secret_digest, valid_from, valid_until, revoked_at, superseded_by, user_agent, source_ip, created_at
		from refresh_tokens
		where secret_digest = $1 and revoked_at is null
	`, digest))
}

func (s *Store) RevokeRefreshToken(ctx context.Context, id, supersededBy string) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = now(), superseded_by = nullif($2, '')
		where id = $1 and revoked_at is null
	`, id, supersededBy)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.revokeMiss(ctx, s.db, id)
}

// RotateRefreshToken retires the parent and records its successor in one
// transaction. The child is inserted before the parent flips, and the
// conditional update on revoked_at arbitrates concurrent rotations: the
// loser sees zero rows, rolls back (dropping its child) and reports
// ErrAlreadyRevoked.
func (s *Store) RotateRefreshToken(ctx context.Context, parentID string, child *auth.RefreshToken) error {
	if child == nil || child.ID == "" || child.SecretDigest == "" {
		return auth.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, secret_digest, valid_from, valid_until, user_agent, source_ip, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, child.ID, child.UserID, child.SecretDigest, child.ValidFrom, child.ValidUntil, child.UserAgent, child.SourceIP, child.CreatedAt); err != nil {
		return mapInsertError(err)
	}

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = now(), superseded_by = $2
		where id = $1 and revoked_at is null
	`, parentID, child.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.revokeMiss(ctx, tx, parentID)
	}

	return tx.Commit()
}

func (s *Store) RevokeAllRefreshTokensForUser(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = now()
		where user_id = $1 and revoked_at is null
	`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from refresh_tokens
		where valid_until < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- helpers ---

// Emails are stored lowercase so lookups are case-insensitive, same as the
// in-memory store.
func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// revokeMiss tells apart the two ways a conditional revoke can touch zero
// rows: the record is already revoked, or it does not exist at all.
func (s *Store) revokeMiss(ctx context.Context, q querier, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `select 1 from refresh_tokens where id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	return auth.ErrAlreadyRevoked
}

func scanRefreshToken(row *sql.Row) (*auth.RefreshToken, error) {
	var (
		tok          auth.RefreshToken
		revokedAt    sql.NullTime
		supersededBy sql.NullString
	)
	err := row.Scan(
		&tok.ID, &tok.UserID, &tok.SecretDigest, &tok.ValidFrom, &tok.ValidUntil,
		&revokedAt, &supersededBy, &tok.UserAgent, &tok.SourceIP, &tok.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		at := revokedAt.Time
		tok.RevokedAt = &at
	}
	if supersededBy.Valid {
		successor := supersededBy.String
		tok.SupersededBy = &successor
	}
	return &tok, nil
}

func mapInsertError(err error) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		if strings.Contains(pgErr.ConstraintName, "secret_digest") {
			return auth.ErrDigestConflict
		}
		return auth.ErrConflict
	case pgErrForeignKeyViolation:
		// Owner row vanished between lookup and insert.
		return fmt.Errorf("%w: token owner", auth.ErrNotFound)
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
