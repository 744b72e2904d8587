package norm

import (
	"bytes"
	"strings"
	"testing"
)

func TestSchematicRendersModelMapping(t *testing.T) {
	var buf bytes.Buffer
	Schematic[TUser](&buf)

	out := buf.String()
	for _, want := range []string{
		"table: t_users (primary key: id)",
		"email",
		"t_users hasMany Posts -> t_posts",
		"t_users hasOne Profile -> t_profiles",
		"t_users belongsToMany Roles -> t_roles",
		"soft deletes via deleted_at",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("schematic missing %q:\n%s", want, out)
		}
	}
}

func TestSchematicShowsMorphTargets(t *testing.T) {
	var buf bytes.Buffer
	Schematic[TImage](&buf)

	if !strings.Contains(buf.String(), "2 morph targets") {
		t.Errorf("morph relation should list its target count:\n%s", buf.String())
	}
}
