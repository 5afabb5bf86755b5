package accounts

import (
	"context"
	"errors"
)

// User is the read-only identity handed to the realtime core.
type User struct {
	ID    int64  `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Email string `db:"email" json:"email"`
}

// User-facing account errors. These stay at this boundary; the realtime core
// has no account error taxonomy of its own.
var (
	ErrEmailTaken    = errors.New("account with email already exists")
	ErrNoAccount     = errors.New("account does not exist with given email")
	ErrWrongPassword = errors.New("wrong password")
)

// Directory is the account collaborator the hub and handlers consume.
type Directory interface {
	Create(ctx context.Context, email, name, password string) (User, error)
	Authenticate(ctx context.Context, email, password string) (User, error)
	FindByID(ctx context.Context, id int64) (User, error)
	FindManyByIDs(ctx context.Context, ids []int64) ([]User, error)
	Close() error
}
