package norm

import "testing"

func TestParseModelBasics(t *testing.T) {
	info := ParseModel[TUser]()

	if info.TableName != "t_users" {
		t.Errorf("table name = %q, want t_users", info.TableName)
	}
	if info.PrimaryKey != "id" {
		t.Errorf("primary key = %q, want id", info.PrimaryKey)
	}

	id, ok := info.Columns["id"]
	if !ok {
		t.Fatal("id column missing")
	}
	if !id.IsPrimary || !id.IsAuto {
		t.Errorf("id should be primary and auto, got primary=%v auto=%v", id.IsPrimary, id.IsAuto)
	}

	if info.CreatedAt == nil || info.CreatedAt.Column != "created_at" {
		t.Error("created_at not discovered")
	}
	if info.UpdatedAt == nil || info.UpdatedAt.Column != "updated_at" {
		t.Error("updated_at not discovered")
	}
	if info.DeletedAt == nil || !info.SoftDeletable() {
		t.Error("deleted_at should mark the model soft-deletable")
	}
}

func TestParseModelSkipsRelationFields(t *testing.T) {
	info := ParseModel[TUser]()

	for _, name := range []string{"Posts", "Profile", "Roles", "Attributes"} {
		if _, ok := info.Fields[name]; ok {
			t.Errorf("field %s should not map to a column", name)
		}
	}

	for _, col := range []string{"name", "email", "active"} {
		if _, ok := info.Columns[col]; !ok {
			t.Errorf("column %s missing", col)
		}
	}
}

func TestParseModelIndexesRelationMethods(t *testing.T) {
	info := ParseModel[TUser]()

	for _, name := range []string{"Posts", "PostsRelation", "Profile", "Roles"} {
		if _, ok := info.RelationMethods[name]; !ok {
			t.Errorf("relation method %s not indexed", name)
		}
	}
	if len(info.Accessors) == 0 {
		t.Error("GetDisplayName accessor not indexed")
	}
}

type taggedThing struct {
	Code string `norm:"column:code_name;primary"`
	Skip string `norm:"-"`
	Note string
}

func (taggedThing) TableName() string { return "tagged" }

func TestParseModelTagHandling(t *testing.T) {
	info := ParseModel[taggedThing]()

	if info.TableName != "tagged" {
		t.Errorf("table name = %q, want tagged", info.TableName)
	}
	if info.PrimaryKey != "code_name" {
		t.Errorf("primary key = %q, want code_name", info.PrimaryKey)
	}

	code := info.Columns["code_name"]
	if code == nil || !code.IsPrimary {
		t.Fatal("code_name should be the primary column")
	}
	if code.IsAuto {
		t.Error("string primary key must not be auto-increment")
	}

	if _, ok := info.Fields["Skip"]; ok {
		t.Error("norm:\"-\" field should be excluded")
	}
	if _, ok := info.Columns["note"]; !ok {
		t.Error("untagged field should map to snake_case column")
	}
}

type serialThing struct {
	Seq int64 `norm:"primary;autoIncrement:false"`
}

func TestParseModelExplicitAutoIncrementOff(t *testing.T) {
	info := ParseModel[serialThing]()

	seq := info.Columns["seq"]
	if seq == nil || !seq.IsPrimary {
		t.Fatal("seq should be primary")
	}
	if seq.IsAuto {
		t.Error("autoIncrement:false must override the integer default")
	}
}

func TestParseModelCachesResults(t *testing.T) {
	if ParseModel[TUser]() != ParseModel[TUser]() {
		t.Error("repeated parses should return the cached ModelInfo")
	}
}

func TestToSnakeCase(t *testing.T) {
	cases := map[string]string{
		"UserID":    "user_id",
		"CreatedAt": "created_at",
		"URL":       "url",
		"name":      "name",
	}
	for in, want := range cases {
		if got := ToSnakeCase(in); got != want {
			t.Errorf("ToSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
