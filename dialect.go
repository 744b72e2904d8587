package norm

import "sync/atomic"

// Dialect describes the SQL flavor the ORM generates queries for.
type Dialect struct {
	DriverName string

	// NumberedPlaceholders indicates the dialect uses $1, $2 style
	// placeholders instead of ?.
	NumberedPlaceholders bool

	// SupportsReturning indicates INSERT ... RETURNING is available for
	// reading back generated primary keys.
	SupportsReturning bool
}

// Dialects holds the built-in dialect definitions.
var Dialects = &struct {
	MySQL      *Dialect
	PostgreSQL *Dialect
	SQLite3    *Dialect
}{
	MySQL: &Dialect{
		DriverName:           "mysql",
		NumberedPlaceholders: false,
		SupportsReturning:    false,
	},
	PostgreSQL: &Dialect{
		DriverName:           "pgx",
		NumberedPlaceholders: true,
		SupportsReturning:    true,
	},
	SQLite3: &Dialect{
		DriverName:           "sqlite3",
		NumberedPlaceholders: false,
		SupportsReturning:    true,
	},
}

var defaultDialect atomic.Pointer[Dialect]

func init() {
	defaultDialect.Store(Dialects.PostgreSQL)
}

// SetDefaultDialect sets the dialect used for query generation.
// Connect helpers call this automatically.
func SetDefaultDialect(d *Dialect) {
	if d != nil {
		defaultDialect.Store(d)
	}
}

// DefaultDialect returns the currently configured dialect.
func DefaultDialect() *Dialect {
	return defaultDialect.Load()
}
