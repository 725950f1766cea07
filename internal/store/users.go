package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"zerv/internal/security/password"
)

// User is a registered account, claimable into a Token's Claims by the
// application-supplied claim(user) hook (spec §6 Configuration options).
type User struct {
	ID        string
	Username  string
	Email     string
	TenantID  string
	FirstName string
	LastName  string
	CreatedAt time.Time
}

// Credentials is a login attempt, as POSTed to /authorize (spec §4.H).
type Credentials struct {
	Username string
	Password string
}

// Registration is a new-account request, as POSTed to /register.
type Registration struct {
	Username  string
	Email     string
	Password  string
	TenantID  string
	FirstName string
	LastName  string
}

// UserStore backs the application-supplied findUserByCredentials/register
// hooks (spec §4.H, §6).
type UserStore interface {
	FindByCredentials(ctx context.Context, in Credentials) (User, error)
	Register(ctx context.Context, in Registration) (User, error)
}

// PostgresUserStore implements UserStore over a shared pgx pool.
//
// Grounded on cmd/identity/store_postgres.go: the pool is caller-owned, the
// schema identifier is validated and safely quoted, and password hashing is
// delegated to the same module that verifies it.
type PostgresUserStore struct {
	pool   *pgxpool.Pool
	pw     password.Config
	schema string
}

// NewPostgresUserStore constructs a PostgresUserStore. schema defaults to
// "zerv" when empty.
func NewPostgresUserStore(pool *pgxpool.Pool, pw password.Config, schema string) *PostgresUserStore {
	if schema == "" {
		schema = "zerv"
	}
	return &PostgresUserStore{pool: pool, pw: pw, schema: schema}
}

// FindByCredentials verifies username+password and returns the matching
// user, or ErrNotFound/ErrInvalidInput on failure — propagated verbatim to
// the HTTP layer as spec §6's USER_INVALID (§4.H).
func (s *PostgresUserStore) FindByCredentials(ctx context.Context, in Credentials) (User, error) {
	const op = "store.FindByCredentials"

	username := strings.ToLower(strings.TrimSpace(in.Username))
	if username == "" || in.Password == "" {
		return User{}, invalid(op, "missing username or password")
	}

	users := pgIdent(s.schema, "users")

	var (
		out          User
		passwordHash string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, email, tenant_id, first_name, last_name, created_at, password_hash
		   FROM `+users+`
		  WHERE lower(username) = $1`,
		username,
	).Scan(&out.ID, &out.Username, &out.Email, &out.TenantID, &out.FirstName, &out.LastName, &out.CreatedAt, &passwordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}

	ok, err := s.pw.Verify(passwordHash, in.Password)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrNotFound
	}
	return out, nil
}

// Register creates a new user, hashing its password with the configured
// Argon2id parameters.
func (s *PostgresUserStore) Register(ctx context.Context, in Registration) (User, error) {
	const op = "store.Register"

	username := strings.TrimSpace(in.Username)
	if username == "" {
		return User{}, invalid(op, "missing username")
	}
	if err := s.pw.Validate(in.Password); err != nil {
		return User{}, invalid(op, err.Error())
	}

	hash, err := s.pw.Hash(in.Password)
	if err != nil {
		return User{}, err
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	users := pgIdent(s.schema, "users")
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+users+` (
		     id, username, email, tenant_id, first_name, last_name, password_hash, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, username, strings.TrimSpace(in.Email), in.TenantID, in.FirstName, in.LastName, hash, now,
	)
	if err != nil {
		if field, ok := classifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}

	return User{
		ID:        id,
		Username:  username,
		Email:     in.Email,
		TenantID:  in.TenantID,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		CreatedAt: now,
	}, nil
}

func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func classifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" {
		return "", false
	}
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case strings.Contains(c, "username"):
		return "username", true
	case strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}
