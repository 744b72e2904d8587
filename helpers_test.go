package norm

import (
	"testing"

	"github.com/google/uuid"
)

func withPostgresDialect(t *testing.T) {
	t.Helper()
	prev := DefaultDialect()
	SetDefaultDialect(Dialects.PostgreSQL)
	t.Cleanup(func() { SetDefaultDialect(prev) })
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	withPostgresDialect(t)

	cases := []struct {
		in   string
		want string
	}{
		{"SELECT * FROM users WHERE id = ?", "SELECT * FROM users WHERE id = $1"},
		{"UPDATE users SET name = ?, email = ? WHERE id = ?", "UPDATE users SET name = $1, email = $2 WHERE id = $3"},
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a IN (?, ?, ?)", "SELECT * FROM t WHERE a IN ($1, $2, $3)"},
	}

	for _, c := range cases {
		if got := rebind(c.in); got != c.want {
			t.Errorf("rebind(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRebindSkipsQuotedLiterals(t *testing.T) {
	withPostgresDialect(t)

	in := "SELECT * FROM t WHERE name = 'a?b' AND id = ?"
	want := "SELECT * FROM t WHERE name = 'a?b' AND id = $1"
	if got := rebind(in); got != want {
		t.Errorf("rebind(%q) = %q, want %q", in, got, want)
	}
}

func TestRebindNoopForPositionalDialects(t *testing.T) {
	prev := DefaultDialect()
	SetDefaultDialect(Dialects.SQLite3)
	t.Cleanup(func() { SetDefaultDialect(prev) })

	in := "SELECT * FROM users WHERE id = ?"
	if got := rebind(in); got != in {
		t.Errorf("rebind should be a no-op, got %q", got)
	}
}

func TestValidateColumnName(t *testing.T) {
	valid := []string{"id", "user_id", "users.id", "Name", "a1", "_x"}
	for _, name := range valid {
		if err := ValidateColumnName(name); err != nil {
			t.Errorf("ValidateColumnName(%q) should pass: %v", name, err)
		}
	}

	invalid := []string{"", "1abc", "a.b.c", ".id", "id.", "name; DROP TABLE users", "a b", "na'me"}
	for _, name := range invalid {
		if err := ValidateColumnName(name); err == nil {
			t.Errorf("ValidateColumnName(%q) should fail", name)
		}
	}
}

func TestValidateRawQuery(t *testing.T) {
	if err := ValidateRawQuery("views > ?"); err != nil {
		t.Errorf("plain fragment should pass: %v", err)
	}

	for _, q := range []string{"1=1; DROP TABLE x", "x -- comment", "x /* y */"} {
		if err := ValidateRawQuery(q); err == nil {
			t.Errorf("ValidateRawQuery(%q) should fail", q)
		}
	}
}

func TestAnyToKeyStringNormalizesIntWidths(t *testing.T) {
	if anyToKeyString(42) != anyToKeyString(int64(42)) {
		t.Fatal("int and int64 must map to the same key")
	}
	if anyToKeyString("x") != "x" {
		t.Fatal("strings pass through")
	}
	if anyToKeyString([]byte("ab")) != "ab" {
		t.Fatal("byte slices convert to string")
	}

	id := uuid.New()
	if anyToKeyString(id) != id.String() {
		t.Fatal("stringer types use String()")
	}
}

func TestCompareIDs(t *testing.T) {
	id := uuid.New()
	other := uuid.New()

	cases := []struct {
		a, b any
		want bool
	}{
		{int64(5), 5, true},
		{int64(5), int64(6), false},
		{uint64(5), int64(5), true},
		{int64(-1), uint64(1), false},
		{"abc", "abc", true},
		{"abc", "abd", false},
		{id, id, true},
		{id, other, false},
		{nil, nil, true},
		{nil, int64(1), false},
		{&[]int64{7}[0], int64(7), true},
	}

	for _, c := range cases {
		if got := compareIDs(c.a, c.b); got != c.want {
			t.Errorf("compareIDs(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
