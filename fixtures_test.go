package norm

import (
	"database/sql"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// Fixture graph: users have many posts and one profile, posts have many
// comments, comments belong to an author, users and roles are linked through
// the role_user pivot, and images attach polymorphically to users or posts.

type TUser struct {
	ID        int64
	Name      string
	Email     string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time

	Posts      []*TPost
	Profile    *TProfile
	Roles      []*TRole
	Attributes map[string]any
}

func (u TUser) PostsRelation() HasMany[TPost] {
	return HasMany[TPost]{ForeignKey: "user_id"}
}

func (u TUser) ProfileRelation() HasOne[TProfile] {
	return HasOne[TProfile]{ForeignKey: "user_id"}
}

func (u TUser) RolesRelation() BelongsToMany[TRole] {
	return BelongsToMany[TRole]{
		PivotTable: "role_user",
		ForeignKey: "user_id",
		RelatedKey: "role_id",
		Timestamps: true,
	}
}

func (u TUser) GetDisplayName() string {
	return strings.ToUpper(u.Name)
}

type TPost struct {
	ID     int64
	UserID int64
	Title  string
	Views  int64

	Comments []*TComment
	Author   *TUser
	Image    *TImage
}

func (p TPost) CommentsRelation() HasMany[TComment] {
	return HasMany[TComment]{ForeignKey: "post_id"}
}

func (p TPost) AuthorRelation() BelongsTo[TUser] {
	return BelongsTo[TUser]{ForeignKey: "user_id"}
}

func (p TPost) ImageRelation() MorphOne[TImage] {
	return MorphOne[TImage]{Type: "imageable_type", ID: "imageable_id", TypeValue: "t_posts"}
}

type TComment struct {
	ID     int64
	PostID int64
	UserID int64
	Body   string

	Author *TUser
}

func (c TComment) AuthorRelation() BelongsTo[TUser] {
	return BelongsTo[TUser]{ForeignKey: "user_id"}
}

type TProfile struct {
	ID     int64
	UserID int64
	Bio    string
}

type TRole struct {
	ID   int64
	Name string
}

type TImage struct {
	ID            int64
	ImageableType string
	ImageableID   int64
	URL           string

	Owner any
}

func (i TImage) OwnerRelation() MorphTo[any] {
	return MorphTo[any]{
		Type: "imageable_type",
		ID:   "imageable_id",
		TypeMap: map[string]any{
			"t_posts": TPost{},
			"t_users": TUser{},
		},
	}
}

var testSchema = []string{
	`CREATE TABLE t_users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT,
		email TEXT,
		active BOOLEAN DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME
	)`,
	`CREATE TABLE t_posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER,
		title TEXT,
		views INTEGER DEFAULT 0
	)`,
	`CREATE TABLE t_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id INTEGER,
		user_id INTEGER,
		body TEXT
	)`,
	`CREATE TABLE t_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER,
		bio TEXT
	)`,
	`CREATE TABLE t_roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT
	)`,
	`CREATE TABLE role_user (
		user_id INTEGER,
		role_id INTEGER,
		is_admin BOOLEAN DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE t_images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		imageable_type TEXT,
		imageable_id INTEGER,
		url TEXT
	)`,
}

// setupDB opens an in-memory sqlite database, installs it as the global
// connection, and restores the previous global state on cleanup.
func setupDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A pooled :memory: connection per conn would mean a separate database
	// per conn.
	db.SetMaxOpenConns(1)

	for _, ddl := range testSchema {
		if _, err := db.Exec(ddl); err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	prevDB := GlobalDB
	prevDialect := DefaultDialect()
	SetGlobalDB(db)
	SetDefaultDialect(Dialects.SQLite3)

	t.Cleanup(func() {
		SetGlobalDB(prevDB)
		SetDefaultDialect(prevDialect)
		db.Close()
	})

	return db
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// seedGraph inserts two users, three posts, comments, profiles, roles, and
// images with fixed ids.
func seedGraph(t *testing.T, db *sql.DB) {
	t.Helper()

	mustExec(t, db, `INSERT INTO t_users (id, name, email, active, created_at, updated_at) VALUES
		(1, 'ada', 'ada@example.com', 1, '2024-01-01 10:00:00', '2024-01-01 10:00:00'),
		(2, 'grace', 'grace@example.com', 1, '2024-01-02 10:00:00', '2024-01-02 10:00:00'),
		(3, 'alan', 'alan@example.com', 0, '2024-01-03 10:00:00', '2024-01-03 10:00:00')`)

	mustExec(t, db, `INSERT INTO t_posts (id, user_id, title, views) VALUES
		(1, 1, 'first', 10),
		(2, 1, 'second', 50),
		(3, 2, 'third', 5)`)

	mustExec(t, db, `INSERT INTO t_comments (id, post_id, user_id, body) VALUES
		(1, 1, 2, 'nice'),
		(2, 1, 3, 'agreed'),
		(3, 2, 2, 'hm')`)

	mustExec(t, db, `INSERT INTO t_profiles (id, user_id, bio) VALUES
		(1, 1, 'mathematician'),
		(2, 2, 'admiral')`)

	mustExec(t, db, `INSERT INTO t_roles (id, name) VALUES
		(1, 'admin'), (2, 'editor'), (3, 'viewer'), (4, 'auditor')`)

	mustExec(t, db, `INSERT INTO role_user (user_id, role_id) VALUES
		(1, 1), (1, 2), (2, 3)`)

	mustExec(t, db, `INSERT INTO t_images (id, imageable_type, imageable_id, url) VALUES
		(1, 't_posts', 1, 'http://img/post1'),
		(2, 't_users', 2, 'http://img/user2')`)
}

// countingRegistry returns a fresh registry whose hook counts executed
// queries.
func countingRegistry() (*Registry, *int32) {
	reg := NewRegistry()
	var n int32
	reg.AddQueryHook(func(QueryInfo) {
		atomic.AddInt32(&n, 1)
	})
	return reg, &n
}
