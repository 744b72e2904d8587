package norm

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestZerologHookLogsQueries(t *testing.T) {
	var buf bytes.Buffer
	hook := NewZerologHook(zerolog.New(&buf))

	hook(QueryInfo{
		Operation: "SELECT",
		Query:     "SELECT * FROM t_users WHERE id = ?",
		Args:      []any{1},
		Duration:  3 * time.Millisecond,
	})

	out := buf.String()
	for _, want := range []string{"SELECT * FROM t_users", `"op":"SELECT"`, "debug"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestZerologHookLogsErrorsAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	hook := NewZerologHook(zerolog.New(&buf))

	hook(QueryInfo{
		Operation: "EXEC",
		Query:     "UPDATE t_users SET name = ?",
		Err:       errors.New("connection reset"),
	})

	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "connection reset") {
		t.Errorf("error queries should log at error level with the cause: %s", out)
	}
}

func TestSlowQueryHookThreshold(t *testing.T) {
	var buf bytes.Buffer
	hook := SlowQueryHook(zerolog.New(&buf), 10*time.Millisecond)

	hook(QueryInfo{Operation: "SELECT", Query: "fast", Duration: time.Millisecond})
	if buf.Len() != 0 {
		t.Fatalf("fast queries should not be logged: %s", buf.String())
	}

	hook(QueryInfo{Operation: "SELECT", Query: "slow", Duration: 50 * time.Millisecond})
	if !strings.Contains(buf.String(), "slow query") {
		t.Errorf("slow queries should be logged: %s", buf.String())
	}
}

func TestQueryHookReceivesExecutedQueries(t *testing.T) {
	setupDB(t)

	var buf bytes.Buffer
	reg := NewRegistry()
	reg.AddQueryHook(NewZerologHook(zerolog.New(&buf)))

	_, err := New[TUser]().WithRegistry(reg).Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "t_users") {
		t.Errorf("executed query should reach the hook: %s", buf.String())
	}
}
