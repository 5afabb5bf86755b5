package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 8

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
`

// SQLDirectory implements Directory over sqlite (default) or postgres,
// selected by the database URL.
type SQLDirectory struct {
	db *sqlx.DB
}

// Open connects to the database named by databaseURL and initializes the
// schema. A postgres:// URL selects pgx; anything else is treated as a
// sqlite file path.
func Open(ctx context.Context, databaseURL string) (*SQLDirectory, error) {
	driver, dsn, schema := "sqlite3", databaseURL, sqliteSchema
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver, schema = "pgx", postgresSchema
	} else {
		if dsn == "" {
			dsn = "./data/veilchat.db"
		}
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, err
			}
			dsn += "?_journal_mode=WAL&_foreign_keys=on"
		}
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLDirectory{db: db}, nil
}

func (d *SQLDirectory) Close() error {
	return d.db.Close()
}

// Create registers a new account. A duplicate email yields ErrEmailTaken.
func (d *SQLDirectory) Create(ctx context.Context, email, name, password string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	var existing int
	err := d.db.GetContext(ctx, &existing, d.db.Rebind(`SELECT count(*) FROM users WHERE email = ?`), email)
	if err != nil {
		return User{}, err
	}
	if existing > 0 {
		return User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return User{}, err
	}

	var id int64
	if d.db.DriverName() == "pgx" {
		err = d.db.GetContext(ctx, &id,
			`INSERT INTO users (email, name, password_hash) VALUES ($1, $2, $3) RETURNING id`,
			email, name, string(hash))
	} else {
		var res sql.Result
		res, err = d.db.ExecContext(ctx,
			d.db.Rebind(`INSERT INTO users (email, name, password_hash) VALUES (?, ?, ?)`),
			email, name, string(hash))
		if err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Name: name, Email: email}, nil
}

// Authenticate verifies credentials and returns the account identity.
func (d *SQLDirectory) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	var row struct {
		User
		PasswordHash string `db:"password_hash"`
	}
	err := d.db.GetContext(ctx, &row,
		d.db.Rebind(`SELECT id, name, email, password_hash FROM users WHERE email = ?`), email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNoAccount
	}
	if err != nil {
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)) != nil {
		return User{}, ErrWrongPassword
	}
	return row.User, nil
}

func (d *SQLDirectory) FindByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := d.db.GetContext(ctx, &u, d.db.Rebind(`SELECT id, name, email FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNoAccount
	}
	return u, err
}

// FindManyByIDs returns identity details for the given ids; unknown ids are
// simply absent from the result.
func (d *SQLDirectory) FindManyByIDs(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, name, email FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var users []User
	if err := d.db.SelectContext(ctx, &users, d.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return users, nil
}
