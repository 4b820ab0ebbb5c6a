// Package users provides the PostgreSQL-backed account store.
package users

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Kek20703/CloudStorage/internal/logging"
	"github.com/Kek20703/CloudStorage/internal/metrics"
)

// pq error code for unique_violation.
const uniqueViolation = "23505"

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	passwordPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	hasLetter       = regexp.MustCompile(`[a-zA-Z]`)
	hasDigit        = regexp.MustCompile(`[0-9]`)
)

// User represents a user account.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisteredHook runs after a new account has been committed.
type RegisteredHook func(ctx context.Context, userID int64) error

// Store is a PostgreSQL user store.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	hooks []RegisteredHook
}

// New opens the database and verifies the connection.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate runs SQL migration files in lexical order.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations found in %s", migrationsDir)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// OnRegistered adds a hook that runs after each successful sign-up.
func (s *Store) OnRegistered(hook RegisteredHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// ValidateCredentials checks the username and password rules applied at
// sign-up.
func ValidateCredentials(username, password string) error {
	switch {
	case len(username) < 3 || len(username) > 20:
		return errors.New(errors.CodeInvalidInput, "username must be between 3 and 20 characters")
	case !usernamePattern.MatchString(username):
		return errors.New(errors.CodeInvalidInput, "username must contain only Latin letters and numbers")
	case len(password) < 6 || len(password) > 40:
		return errors.New(errors.CodeInvalidInput, "password must be between 6 and 40 characters")
	case !passwordPattern.MatchString(password) || !hasLetter.MatchString(password) || !hasDigit.MatchString(password):
		return errors.New(errors.CodeInvalidInput, "password must contain Latin letters and numbers")
	}
	return nil
}

// Register creates an account and, once it is committed, runs the
// registered hooks. A hook failure is returned but the account stays.
func (s *Store) Register(ctx context.Context, username, password string) (*User, error) {
	if err := ValidateCredentials(username, password); err != nil {
		metrics.RecordRegistration("invalid")
		return nil, err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		metrics.RecordRegistration("error")
		return nil, errors.Wrap(err, errors.CodeInternal, "hash password")
	}

	user, err := s.insert(ctx, username, string(hashed))
	if err != nil {
		if errors.GetCode(err) == errors.CodeAlreadyExists {
			metrics.RecordRegistration("conflict")
		} else {
			metrics.RecordRegistration("error")
		}
		return nil, err
	}
	metrics.RecordRegistration("success")
	logging.Info("user registered", zap.String("username", username), logging.Tenant(user.ID))

	s.mu.RLock()
	hooks := append([]RegisteredHook(nil), s.hooks...)
	s.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, user.ID); err != nil {
			logging.Error("registration hook failed", logging.Tenant(user.ID), zap.Error(err))
			return user, errors.Wrap(err, errors.CodeInternal, "initialize new account")
		}
	}
	return user, nil
}

func (s *Store) insert(ctx context.Context, username, hashed string) (*User, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_user", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "begin transaction")
	}
	defer tx.Rollback()

	u := &User{Username: username}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (username, hashed_password) VALUES ($1, $2) RETURNING id, created_at`,
		username, hashed).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, errors.WithContext(
				errors.New(errors.CodeAlreadyExists, "username is already taken"),
				"username", username,
			)
		}
		return nil, errors.Wrap(err, errors.CodeDatabase, "insert user")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "commit user")
	}
	return u, nil
}

// Authenticate verifies a username and password.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	start := time.Now()
	var u User
	var hashed string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, hashed_password, created_at FROM users WHERE username = $1`,
		username).Scan(&u.ID, &u.Username, &hashed, &u.CreatedAt)
	metrics.RecordDBQuery("get_user_by_name", time.Since(start))

	if errors.Is(err, sql.ErrNoRows) {
		logging.Warn("login failed: unknown user", zap.String("username", username))
		return nil, errors.New(errors.CodeUnauthorized, "invalid credentials")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "query user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)); err != nil {
		logging.Warn("login failed: invalid password", zap.String("username", username))
		return nil, errors.New(errors.CodeUnauthorized, "invalid credentials")
	}
	return &u, nil
}

// Get looks up a user by id.
func (s *Store) Get(ctx context.Context, id int64) (*User, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_user", time.Since(start)) }()

	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.CodeNotFound, "user %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "query user")
	}
	return &u, nil
}

// RevokeToken records a signed-out token until it would have expired anyway.
func (s *Store) RevokeToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("revoke_token", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (token_hash) DO NOTHING`,
		tokenHash, userID, expiresAt)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "revoke token")
	}
	return nil
}

// IsTokenRevoked reports whether the token was signed out.
func (s *Store) IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("check_revoked", time.Since(start)) }()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_hash = $1)`, tokenHash).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "check revoked token")
	}
	return exists, nil
}

// PurgeExpiredRevocations deletes revocations whose tokens have expired.
func (s *Store) PurgeExpiredRevocations(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeDatabase, "purge revoked tokens")
	}
	n, _ := result.RowsAffected()
	return n, nil
}
