package norm

import (
	"strings"
	"testing"
)

func normalizeSQL(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func assertQuery[T any](t *testing.T, m *Model[T], wantSQL string, wantArgs ...any) {
	t.Helper()
	query, args := m.buildSelectQuery()
	if got := normalizeSQL(query); got != wantSQL {
		t.Errorf("query = %q, want %q", got, wantSQL)
	}
	if len(args) != len(wantArgs) {
		t.Fatalf("args = %v, want %v", args, wantArgs)
	}
	for i := range wantArgs {
		if args[i] != wantArgs[i] {
			t.Errorf("arg[%d] = %v, want %v", i, args[i], wantArgs[i])
		}
	}
}

func TestBuildSelectBare(t *testing.T) {
	assertQuery(t, New[TPost](), "SELECT * FROM t_posts")
}

func TestBuildSelectWhereForms(t *testing.T) {
	assertQuery(t, New[TPost]().Where("user_id", 1),
		"SELECT * FROM t_posts WHERE 1=1 AND user_id = ?", 1)

	assertQuery(t, New[TPost]().Where("views", ">", 5),
		"SELECT * FROM t_posts WHERE 1=1 AND views > ?", 5)

	assertQuery(t, New[TPost]().Where("views > ?", 5),
		"SELECT * FROM t_posts WHERE 1=1 AND views > ?", 5)

	assertQuery(t, New[TPost]().Where(map[string]any{"user_id": 1}),
		"SELECT * FROM t_posts WHERE 1=1 AND user_id = ?", 1)

	assertQuery(t, New[TPost]().Where("user_id", 1).OrWhere("views", ">", 100),
		"SELECT * FROM t_posts WHERE 1=1 AND user_id = ? OR views > ?", 1, 100)
}

func TestBuildSelectWhereIn(t *testing.T) {
	assertQuery(t, New[TPost]().WhereIn("id", []any{1, 2}),
		"SELECT * FROM t_posts WHERE 1=1 AND id IN (?, ?)", 1, 2)

	assertQuery(t, New[TPost]().WhereIn("id", nil),
		"SELECT * FROM t_posts WHERE 1=1 AND 1=0")
}

func TestBuildSelectWhereBetweenAndNull(t *testing.T) {
	assertQuery(t, New[TPost]().WhereBetween("views", 1, 10),
		"SELECT * FROM t_posts WHERE 1=1 AND views BETWEEN ? AND ?", 1, 10)

	assertQuery(t, New[TUser]().WithTrashed().WhereNull("email"),
		"SELECT * FROM t_users WHERE 1=1 AND email IS NULL")
}

func TestBuildSelectColumnsAndDistinct(t *testing.T) {
	assertQuery(t, New[TPost]().Select("id", "title"),
		"SELECT id, title FROM t_posts")

	assertQuery(t, New[TPost]().Distinct().Select("user_id"),
		"SELECT DISTINCT user_id FROM t_posts")

	assertQuery(t, New[TPost]().DistinctOn("user_id"),
		"SELECT DISTINCT ON (user_id) * FROM t_posts")
}

func TestBuildSelectGroupHaving(t *testing.T) {
	assertQuery(t, New[TPost]().
		Select("user_id").
		GroupBy("user_id").
		Having("COUNT(id) > ?", 1),
		"SELECT user_id FROM t_posts GROUP BY user_id HAVING COUNT(id) > ?", 1)
}

func TestBuildSelectJoins(t *testing.T) {
	assertQuery(t, New[TPost]().
		Join("t_users", "t_posts.user_id", "t_users.id").
		LeftJoin("t_comments", "t_comments.post_id", "t_posts.id"),
		"SELECT * FROM t_posts"+
			" INNER JOIN t_users ON t_posts.user_id = t_users.id"+
			" LEFT JOIN t_comments ON t_comments.post_id = t_posts.id")
}

func TestBuildSelectCTE(t *testing.T) {
	assertQuery(t, New[TPost]().
		WithCTE("busy", New[busyAuthor]().Where("n", ">", 3)).
		Where("user_id", 2),
		"WITH busy AS (SELECT * FROM busy_authors WHERE 1=1 AND n > ?)"+
			" SELECT * FROM t_posts WHERE 1=1 AND user_id = ?",
		3, 2)
}

type busyAuthor struct {
	ID int64
	N  int
}

func TestBuildSelectModifiers(t *testing.T) {
	assertQuery(t, New[TPost]().OrderBy("views", "desc").Limit(5).Offset(10),
		"SELECT * FROM t_posts ORDER BY views DESC LIMIT 5 OFFSET 10")

	assertQuery(t, New[TPost]().OrderBy("views", "sideways"),
		"SELECT * FROM t_posts ORDER BY views ASC")

	assertQuery(t, New[TPost]().Where("id", 1).ForUpdate(),
		"SELECT * FROM t_posts WHERE 1=1 AND id = ? FOR UPDATE", 1)

	assertQuery(t, New[TPost]().ForShare(),
		"SELECT * FROM t_posts FOR SHARE")
}

func TestBuildSelectRawShortCircuits(t *testing.T) {
	assertQuery(t, New[TPost]().Raw("SELECT id FROM t_posts WHERE views > ?", 9).Limit(1),
		"SELECT id FROM t_posts WHERE views > ?", 9)
}

func TestBuildSelectSoftDeleteScope(t *testing.T) {
	assertQuery(t, New[TUser](),
		"SELECT * FROM t_users WHERE 1=1 AND deleted_at IS NULL")

	assertQuery(t, New[TUser]().WithTrashed(),
		"SELECT * FROM t_users")

	assertQuery(t, New[TUser]().OnlyTrashed(),
		"SELECT * FROM t_users WHERE 1=1 AND deleted_at IS NOT NULL")
}

func TestBuilderErrorsOnInvalidColumns(t *testing.T) {
	if New[TPost]().WhereIn("id; DROP", []any{1}).Err() == nil {
		t.Error("WhereIn should reject invalid column names")
	}
	if New[TPost]().OrderBy("views; DROP", "ASC").Err() == nil {
		t.Error("OrderBy should reject invalid column names")
	}
	if New[TPost]().GroupBy("a.b.c").Err() == nil {
		t.Error("GroupBy should reject invalid column names")
	}
	if New[TPost]().Having("1=1; DROP TABLE t_posts").Err() == nil {
		t.Error("Having should reject statement separators")
	}
}

func TestBuildSelectGroupsWheresBeforeScopes(t *testing.T) {
	assertQuery(t, New[TUser]().Where("name", "ada").OrWhere("name", "grace"),
		"SELECT * FROM t_users WHERE (1=1 AND name = ? OR name = ?) AND deleted_at IS NULL",
		"ada", "grace")
}
