package accounts

import (
	"context"
	"errors"
	"testing"
)

func openTestDir(t *testing.T) *SQLDirectory {
	t.Helper()
	dir, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })
	return dir
}

func TestCreateAndAuthenticate(t *testing.T) {
	dir := openTestDir(t)
	ctx := context.Background()

	created, err := dir.Create(ctx, "Amy@Example.com", "Amy", "hunter2")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == 0 {
		t.Error("expected a non-zero id")
	}
	if created.Email != "amy@example.com" {
		t.Errorf("email should be normalized, got %q", created.Email)
	}

	got, err := dir.Authenticate(ctx, "amy@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got.ID != created.ID || got.Name != "Amy" {
		t.Errorf("authenticated user mismatch: %+v", got)
	}
}

func TestDuplicateEmail(t *testing.T) {
	dir := openTestDir(t)
	ctx := context.Background()

	if _, err := dir.Create(ctx, "amy@example.com", "Amy", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := dir.Create(ctx, "amy@example.com", "Amy2", "y"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("got %v, want ErrEmailTaken", err)
	}
}

func TestAuthenticateErrors(t *testing.T) {
	dir := openTestDir(t)
	ctx := context.Background()

	if _, err := dir.Authenticate(ctx, "nobody@example.com", "x"); !errors.Is(err, ErrNoAccount) {
		t.Errorf("got %v, want ErrNoAccount", err)
	}

	if _, err := dir.Create(ctx, "amy@example.com", "Amy", "correct"); err != nil {
		t.Fatal(err)
	}
	if _, err := dir.Authenticate(ctx, "amy@example.com", "wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("got %v, want ErrWrongPassword", err)
	}
}

func TestFindManyByIDs(t *testing.T) {
	dir := openTestDir(t)
	ctx := context.Background()

	amy, _ := dir.Create(ctx, "amy@example.com", "Amy", "x")
	bob, _ := dir.Create(ctx, "bob@example.com", "Bob", "x")

	users, err := dir.FindManyByIDs(ctx, []int64{amy.ID, bob.ID, 999})
	if err != nil {
		t.Fatalf("FindManyByIDs failed: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2 (unknown ids skipped)", len(users))
	}

	if users, _ := dir.FindManyByIDs(ctx, nil); users != nil {
		t.Error("empty id list should return no users")
	}
}
