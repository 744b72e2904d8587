package norm

import (
	"context"
	"sort"
	"testing"
)

func roleIDs(t *testing.T, u *TUser) []int64 {
	t.Helper()

	m := New[TUser]()
	if err := m.Load(context.Background(), u, "Roles"); err != nil {
		t.Fatalf("load roles: %v", err)
	}

	ids := make([]int64, 0, len(u.Roles))
	for _, r := range u.Roles {
		ids = append(ids, r.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func findUser(t *testing.T, id int64) *TUser {
	t.Helper()
	u, err := New[TUser]().Find(context.Background(), id)
	if err != nil {
		t.Fatalf("find user %d: %v", id, err)
	}
	return u
}

func TestAttachAndDetach(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	u := findUser(t, 3)
	m := New[TUser]()

	if err := m.Attach(ctx, u, "Roles", []any{1, 3}, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}

	got := roleIDs(t, u)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected roles [1 3], got %v", got)
	}

	if err := m.Detach(ctx, u, "Roles", 1); err != nil {
		t.Fatalf("detach: %v", err)
	}
	got = roleIDs(t, u)
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected roles [3], got %v", got)
	}

	// Detach with no ids clears everything
	if err := m.Detach(ctx, u, "Roles"); err != nil {
		t.Fatalf("detach all: %v", err)
	}
	if got = roleIDs(t, u); len(got) != 0 {
		t.Fatalf("expected no roles, got %v", got)
	}
}

func TestAttachWithPivotData(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	u := findUser(t, 3)
	if err := New[TUser]().Attach(ctx, u, "Roles", []any{1}, map[string]any{"is_admin": true}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	var isAdmin bool
	err := db.QueryRow(
		"SELECT is_admin FROM role_user WHERE user_id = ? AND role_id = ?", 3, 1,
	).Scan(&isAdmin)
	if err != nil {
		t.Fatalf("pivot row: %v", err)
	}
	if !isAdmin {
		t.Fatal("pivot column not written")
	}
}

func TestAttachPivotTimestamps(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	u := findUser(t, 3)
	if err := New[TUser]().Attach(ctx, u, "Roles", []any{2}, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}

	var createdAt, updatedAt any
	err := db.QueryRow(
		"SELECT created_at, updated_at FROM role_user WHERE user_id = ? AND role_id = ?", 3, 2,
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		t.Fatalf("pivot row: %v", err)
	}
	if createdAt == nil || updatedAt == nil {
		t.Fatal("pivot timestamps not written")
	}
}

func TestSyncExactSetSemantics(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	u := findUser(t, 3)
	m := New[TUser]()

	if err := m.Attach(ctx, u, "Roles", []any{2, 4}, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// 2 stays, 4 goes, 1 and 3 arrive
	if err := m.Sync(ctx, u, "Roles", []any{1, 2, 3}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got := roleIDs(t, u)
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected roles [1 2 3], got %v", got)
	}
}

func TestSyncWithoutDetaching(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	u := findUser(t, 1) // seeded with roles 1, 2
	m := New[TUser]()

	if err := m.SyncWithoutDetaching(ctx, u, "Roles", []any{2, 3}); err != nil {
		t.Fatalf("sync without detaching: %v", err)
	}

	got := roleIDs(t, u)
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected roles [1 2 3], got %v", got)
	}
}

func TestToggle(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)
	ctx := context.Background()

	u := findUser(t, 1) // seeded with roles 1, 2
	m := New[TUser]()

	// 1 present -> detached, 3 absent -> attached
	if err := m.Toggle(ctx, u, "Roles", []any{1, 3}); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	got := roleIDs(t, u)
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected roles [2 3], got %v", got)
	}
}

func TestPivotOpsRejectWrongRelationKind(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)

	u := findUser(t, 1)
	err := New[TUser]().Attach(context.Background(), u, "Posts", []any{1}, nil)
	if err == nil {
		t.Fatal("attach on a has-many relation should fail")
	}
}
