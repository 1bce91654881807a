package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"bff-gateway/internal/model"
)

// schema is valid for both SQLite and PostgreSQL. Times are unix seconds,
// 0 meaning unset.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    scheme TEXT NOT NULL,
    claims TEXT NOT NULL DEFAULT '[]',
    access_token TEXT NOT NULL DEFAULT '',
    access_token_expires_at BIGINT NOT NULL DEFAULT 0,
    issued_at BIGINT NOT NULL,
    expires_at BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_expires_at
    ON sessions(expires_at);
`

type dialect struct {
	lookup string
	upsert string
}

var dialects = map[string]dialect{
	"sqlite": {
		lookup: `SELECT id, scheme, claims, access_token, access_token_expires_at, issued_at, expires_at
FROM sessions WHERE id = ?`,
		upsert: `INSERT INTO sessions (id, scheme, claims, access_token, access_token_expires_at, issued_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET scheme = excluded.scheme, claims = excluded.claims,
access_token = excluded.access_token, access_token_expires_at = excluded.access_token_expires_at,
issued_at = excluded.issued_at, expires_at = excluded.expires_at`,
	},
	"postgres": {
		lookup: `SELECT id, scheme, claims, access_token, access_token_expires_at, issued_at, expires_at
FROM sessions WHERE id = $1`,
		upsert: `INSERT INTO sessions (id, scheme, claims, access_token, access_token_expires_at, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(id) DO UPDATE SET scheme = excluded.scheme, claims = excluded.claims,
access_token = excluded.access_token, access_token_expires_at = excluded.access_token_expires_at,
issued_at = excluded.issued_at, expires_at = excluded.expires_at`,
	},
}

// SQLStore is a Store backed by a SQLite or PostgreSQL sessions table.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the session database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*SQLStore, error) {
	if _, ok := dialects[driver]; !ok {
		return nil, fmt.Errorf("session store: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("session store: open %s: %w", driver, err)
	}
	return NewSQLStore(db, driver)
}

// NewSQLStore wraps an existing connection pool.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("session store: unsupported driver %q", driver)
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// Init creates the sessions table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("session store: apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Lookup reads the session with id. Database errors are wrapped in ErrUnavailable.
func (s *SQLStore) Lookup(ctx context.Context, id string) (*model.Session, error) {
	var (
		sess                                     model.Session
		claims                                   string
		tokenExpiresAt, issuedAt, sessExpiresAt int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.lookup, id).Scan(
		&sess.ID,
		&sess.Scheme,
		&claims,
		&sess.AccessToken,
		&tokenExpiresAt,
		&issuedAt,
		&sessExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %w", ErrUnavailable, id, err)
	}

	if err := json.Unmarshal([]byte(claims), &sess.Claims); err != nil {
		return nil, fmt.Errorf("session %s: decode claims: %w", id, err)
	}
	sess.AccessTokenExpiresAt = fromUnix(tokenExpiresAt)
	sess.IssuedAt = fromUnix(issuedAt)
	sess.ExpiresAt = fromUnix(sessExpiresAt)
	return &sess, nil
}

// Put inserts or replaces a session. Only the operator tooling and tests
// write sessions; the gateway itself never calls Put.
func (s *SQLStore) Put(ctx context.Context, sess *model.Session) error {
	claims := sess.Claims
	if claims == nil {
		claims = []model.Claim{}
	}
	encoded, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("session %s: encode claims: %w", sess.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsert,
		sess.ID,
		sess.Scheme,
		string(encoded),
		sess.AccessToken,
		toUnix(sess.AccessTokenExpiresAt),
		toUnix(sess.IssuedAt),
		toUnix(sess.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("session %s: upsert: %w", sess.ID, err)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
