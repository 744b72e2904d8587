package norm

import (
	"context"
	"errors"
	"testing"
)

func TestSoftDeleteExcludesByDefault(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	m := New[TUser]()
	u, err := m.Find(ctx, int64(1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if err := m.DeleteEntity(ctx, u); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !m.Trashed(u) {
		t.Fatal("entity should report trashed after soft delete")
	}

	// The row still exists but default queries skip it.
	_, err = New[TUser]().Find(ctx, int64(1))
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("soft-deleted row should be hidden, got %v", err)
	}

	count, err := New[TUser]().Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 visible users, got %d", count)
	}

	var raw int
	if err := db.QueryRow("SELECT COUNT(*) FROM t_users").Scan(&raw); err != nil {
		t.Fatalf("raw count: %v", err)
	}
	if raw != 3 {
		t.Fatalf("soft delete must keep the row, got %d", raw)
	}
}

func TestWithTrashedIncludesDeleted(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	m := New[TUser]()
	u, err := m.Find(ctx, int64(1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := m.DeleteEntity(ctx, u); err != nil {
		t.Fatalf("delete: %v", err)
	}

	users, err := New[TUser]().WithTrashed().Get(ctx)
	if err != nil {
		t.Fatalf("with trashed: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("expected all 3 users, got %d", len(users))
	}
}

func TestOnlyTrashed(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	m := New[TUser]()
	u, err := m.Find(ctx, int64(2))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := m.DeleteEntity(ctx, u); err != nil {
		t.Fatalf("delete: %v", err)
	}

	trashed, err := New[TUser]().OnlyTrashed().Get(ctx)
	if err != nil {
		t.Fatalf("only trashed: %v", err)
	}
	if len(trashed) != 1 || trashed[0].ID != 2 {
		t.Fatalf("expected only user 2, got %+v", trashed)
	}
}

func TestRestore(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	m := New[TUser]()
	u, err := m.Find(ctx, int64(1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := m.DeleteEntity(ctx, u); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := m.Restore(ctx, u); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if m.Trashed(u) {
		t.Fatal("entity should not be trashed after restore")
	}

	got, err := New[TUser]().Find(ctx, int64(1))
	if err != nil {
		t.Fatalf("restored row should be visible: %v", err)
	}
	if got.DeletedAt != nil {
		t.Fatal("deleted_at should be cleared")
	}
}

func TestRestoreVeto(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	reg := NewRegistry()
	On[TUser](reg, EventRestoring, func(ctx context.Context, u *TUser) bool {
		return false
	})

	m := New[TUser]().WithRegistry(reg)
	u, err := m.Find(ctx, int64(1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := m.DeleteEntity(ctx, u); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := m.Restore(ctx, u); !errors.Is(err, ErrOperationCanceled) {
		t.Fatalf("expected veto, got %v", err)
	}

	_, err = New[TUser]().Find(ctx, int64(1))
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatal("vetoed restore must leave the row trashed")
	}
}

func TestRestoreOnNonSoftDeletable(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	m := New[TPost]()
	p, err := m.Find(ctx, int64(1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if err := m.Restore(ctx, p); !errors.Is(err, ErrNotSoftDeletable) {
		t.Fatalf("expected ErrNotSoftDeletable, got %v", err)
	}
}

func TestForceDeleteRemovesRow(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	m := New[TUser]()
	u, err := m.Find(ctx, int64(1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if err := m.ForceDeleteEntity(ctx, u); err != nil {
		t.Fatalf("force delete: %v", err)
	}

	var raw int
	if err := db.QueryRow("SELECT COUNT(*) FROM t_users WHERE id = 1").Scan(&raw); err != nil {
		t.Fatalf("raw count: %v", err)
	}
	if raw != 0 {
		t.Fatal("force delete must remove the row")
	}
}

func TestQueryDeleteSoftDeletesForSoftModels(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	if err := New[TUser]().Where("active", false).Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}

	count, err := New[TUser]().Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 visible users, got %d", count)
	}

	trashed, err := New[TUser]().OnlyTrashed().Get(ctx)
	if err != nil {
		t.Fatalf("only trashed: %v", err)
	}
	if len(trashed) != 1 || trashed[0].ID != 3 {
		t.Fatalf("expected user 3 trashed, got %+v", trashed)
	}
}

func TestSoftDeleteAppliesToOrConditions(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	if err := New[TUser]().Where("id", 1).Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}

	users, err := New[TUser]().Where("name", "ada").OrWhere("name", "grace").Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(users) != 1 || users[0].Name != "grace" {
		t.Fatalf("trashed row must stay hidden behind OR conditions, got %+v", users)
	}
}
