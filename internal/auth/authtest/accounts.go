// Package authtest provides an in-memory account store for tests.
package authtest

import (
	"context"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/Kek20703/CloudStorage/internal/users"
)

// Accounts is an in-memory implementation of auth.Accounts. Passwords are
// kept in plain text.
type Accounts struct {
	mu      sync.Mutex
	nextID  int64
	byName  map[string]*account
	revoked map[string]time.Time
	hooks   []users.RegisteredHook
}

type account struct {
	user     users.User
	password string
}

// NewAccounts returns an empty store.
func NewAccounts() *Accounts {
	return &Accounts{
		byName:  make(map[string]*account),
		revoked: make(map[string]time.Time),
	}
}

// OnRegistered adds a hook that runs after each successful sign-up.
func (a *Accounts) OnRegistered(hook users.RegisteredHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, hook)
}

func (a *Accounts) Register(ctx context.Context, username, password string) (*users.User, error) {
	if err := users.ValidateCredentials(username, password); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if _, ok := a.byName[username]; ok {
		a.mu.Unlock()
		return nil, errors.New(errors.CodeAlreadyExists, "username is already taken")
	}
	a.nextID++
	acc := &account{
		user:     users.User{ID: a.nextID, Username: username, CreatedAt: time.Now()},
		password: password,
	}
	a.byName[username] = acc
	hooks := append([]users.RegisteredHook(nil), a.hooks...)
	a.mu.Unlock()

	u := acc.user
	for _, hook := range hooks {
		if err := hook(ctx, u.ID); err != nil {
			return &u, errors.Wrap(err, errors.CodeInternal, "initialize new account")
		}
	}
	return &u, nil
}

func (a *Accounts) Authenticate(_ context.Context, username, password string) (*users.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.byName[username]
	if !ok || acc.password != password {
		return nil, errors.New(errors.CodeUnauthorized, "invalid credentials")
	}
	u := acc.user
	return &u, nil
}

func (a *Accounts) Get(_ context.Context, id int64) (*users.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, acc := range a.byName {
		if acc.user.ID == id {
			u := acc.user
			return &u, nil
		}
	}
	return nil, errors.Newf(errors.CodeNotFound, "user %d not found", id)
}

func (a *Accounts) RevokeToken(_ context.Context, _ int64, tokenHash string, expiresAt time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[tokenHash] = expiresAt
	return nil
}

func (a *Accounts) IsTokenRevoked(_ context.Context, tokenHash string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.revoked[tokenHash]
	return ok, nil
}
