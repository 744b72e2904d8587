package norm

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/table"
)

// Schematic writes a human-readable description of a model's table mapping
// and relationships to out. Useful when debugging convention-based column
// and key inference.
func Schematic[T any](out io.Writer) {
	writeSchematic(out, ParseModel[T]())
}

// PrintSchematic writes the model schematic to standard output.
func PrintSchematic[T any]() {
	Schematic[T](os.Stdout)
}

func writeSchematic(out io.Writer, info *ModelInfo) {
	fmt.Fprintf(out, "table: %s (primary key: %s)\n", info.TableName, info.PrimaryKey)

	w := table.NewWriter()
	w.SetOutputMirror(out)
	w.AppendHeader(table.Row{"Column", "Field", "Type", "Primary", "Auto"})

	columns := make([]string, 0, len(info.Columns))
	for col := range info.Columns {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	for _, col := range columns {
		field := info.Columns[col]
		w.AppendRow(table.Row{col, field.Name, field.FieldType.String(), field.IsPrimary, field.IsAuto})
	}
	w.Render()

	names := make([]string, 0, len(info.RelationMethods))
	for name := range info.RelationMethods {
		if trimmed, found := strings.CutSuffix(name, "Relation"); found {
			if _, ok := info.RelationMethods[trimmed]; ok {
				// listed under the trimmed alias
				continue
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rel, err := resolveRelation(info, name)
		if err != nil {
			continue
		}

		cfg := rel.config()
		target := "?"
		switch {
		case cfg.kind == RelationMorphTo:
			target = fmt.Sprintf("%d morph targets", len(cfg.typeMap))
		case cfg.related != nil:
			target = ParseModelType(cfg.related).TableName
		}

		fmt.Fprintf(out, "%s %s %s -> %s\n", info.TableName, cfg.kind, name, target)
	}

	if info.SoftDeletable() {
		fmt.Fprintf(out, "soft deletes via %s\n", info.DeletedAt.Column)
	}
	fmt.Fprintln(out)
}
