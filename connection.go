package norm

import (
	"database/sql"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// GlobalDB is the default database connection pool used by New when no
// per-model connection is set.
var GlobalDB *sql.DB

// GetGlobalDB returns the global connection pool.
func GetGlobalDB() *sql.DB {
	return GlobalDB
}

// SetGlobalDB sets the global connection pool.
func SetGlobalDB(db *sql.DB) {
	GlobalDB = db
}

var globalResolver atomic.Pointer[DBResolver]

// SetGlobalResolver installs a primary/replica resolver used for routing
// reads and writes. Pass nil to remove it.
func SetGlobalResolver(r *DBResolver) {
	if r == nil {
		globalResolver.Store((*DBResolver)(nil))
		return
	}
	globalResolver.Store(r)
}

// GetGlobalResolver returns the installed resolver, or nil.
func GetGlobalResolver() *DBResolver {
	r := globalResolver.Load()
	if r == nil {
		return nil
	}
	return r
}

// DBConfig holds connection pool settings for Connect helpers.
type DBConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Connect opens a database connection for the given dialect and sets it as
// the default dialect for query generation. The returned pool is not set as
// the global connection; call SetGlobalDB if that is wanted.
func Connect(dialect *Dialect, dsn string, cfg *DBConfig) (*sql.DB, error) {
	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, err
	}

	if cfg != nil {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns >= 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		if cfg.ConnMaxIdleTime > 0 {
			db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		}
	}

	SetDefaultDialect(dialect)
	return db, nil
}

// ConnectPostgres opens a PostgreSQL connection via the pgx stdlib driver.
func ConnectPostgres(dsn string, cfg *DBConfig) (*sql.DB, error) {
	return Connect(Dialects.PostgreSQL, dsn, cfg)
}

// ConnectMySQL opens a MySQL connection.
func ConnectMySQL(dsn string, cfg *DBConfig) (*sql.DB, error) {
	return Connect(Dialects.MySQL, dsn, cfg)
}

// ConnectSQLite opens a SQLite connection.
func ConnectSQLite(dsn string, cfg *DBConfig) (*sql.DB, error) {
	return Connect(Dialects.SQLite3, dsn, cfg)
}
