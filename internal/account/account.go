// Package account implements password hashing and the narrow account store
// contract the gateway's authenticate operation depends on (spec §4.3),
// grounded on original_source/lightning/auth.py's Auth class. Account
// creation/CRUD is out of the core's scope; this package only defines the
// collaborator contract the core calls into and the password hash it
// expects rows to carry.
package account

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

// salt is fixed per-deployment. Keeping it out of the database means a
// leaked accounts table alone is not enough to brute-force passwords, at
// the cost of being unrotatable without rehashing every row.
var salt = []byte("satgateway fixed per-deployment salt")

// ErrUserNotFound mirrors original_source's AuthUserNotFound.
var ErrUserNotFound = errors.New("account: user not found")

// ErrUserExists mirrors original_source's AuthUserExists.
var ErrUserExists = errors.New("account: user already exists")

// ErrBadPassword is returned by Authenticate when the username exists but
// the password hash does not match.
var ErrBadPassword = errors.New("account: bad password")

// Account is the narrow view of an accounts row the gateway core needs.
type Account struct {
	ID       string
	Username string
	Password string // base64(SHA-256(salt || password))
	Email    string
}

// Store is the collaborator contract the gateway core depends on. A
// concrete implementation lives in internal/store, backed by Postgres.
type Store interface {
	// FindByUsername returns ErrUserNotFound if no such account exists.
	FindByUsername(ctx context.Context, username string) (Account, error)
	// FindByID returns ErrUserNotFound if no such account exists. Used by
	// authenticate to resolve the subject carried in a verified token.
	FindByID(ctx context.Context, id string) (Account, error)
	// Insert returns ErrUserExists if the username is already taken.
	Insert(ctx context.Context, acct Account) error
}

// HashPassword returns the stored representation of password: a fixed
// salt concatenated with the password, hashed with SHA-256 and base64
// standard-encoded.
func HashPassword(password string) string {
	h := sha256.Sum256(append(append([]byte{}, salt...), password...))
	return base64.StdEncoding.EncodeToString(h[:])
}

// Authenticate looks up username in store and compares its stored password
// hash against password in constant time.
func Authenticate(ctx context.Context, store Store, username, password string) (Account, error) {
	acct, err := store.FindByUsername(ctx, username)
	if err != nil {
		return Account{}, err
	}

	got := []byte(acct.Password)
	want := []byte(HashPassword(password))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return Account{}, ErrBadPassword
	}
	return acct, nil
}

// CreateAccount hashes password, inserts a new account row, and returns the
// stored row, including the id the store assigned to it.
func CreateAccount(ctx context.Context, store Store, username, password, email string) (Account, error) {
	acct := Account{
		Username: username,
		Password: HashPassword(password),
		Email:    email,
	}
	if err := store.Insert(ctx, acct); err != nil {
		return Account{}, err
	}
	return store.FindByUsername(ctx, username)
}
