package norm

import (
	"database/sql"
	"maps"
	"time"
)

// trashMode controls how soft-deleted rows participate in queries.
type trashMode int

const (
	trashExclude trashMode = iota // default: hide soft-deleted rows
	trashWith                     // include soft-deleted rows
	trashOnly                     // only soft-deleted rows
)

// CTE is a named common table expression attached to a query.
// Query is either a raw SQL string or another *Model whose SELECT is inlined.
type CTE struct {
	Name  string
	Query any
}

// Model[T] is the query builder and executor for model type T.
type Model[T any] struct {
	db        *sql.DB
	tx        *sql.Tx
	registry  *Registry
	modelInfo *ModelInfo
	err       error

	// Query builder state
	columns           []string
	omitColumns       map[string]bool
	wheres            []string
	args              []any
	orderBys          []string
	groupBys          []string
	havings           []string
	havingArgs        []any
	distinct          bool
	distinctOn        []string
	limit             int
	offset            int
	lockMode          string
	joins             []string
	ctes              []CTE
	relations         []string
	relationCallbacks map[string]func(*ConstraintSet)
	morphRelations    map[string]map[string][]string

	// Scope state
	withoutScopes map[string]bool
	allScopesOff  bool
	trash         trashMode

	// Routing and caching
	forcePrimary bool
	forceReplica int
	stmtCache    *StmtCache

	// Raw query state
	rawQuery string
	rawArgs  []any
}

// New creates a new Model instance for type T bound to the global connection
// and the default registry.
func New[T any]() *Model[T] {
	return &Model[T]{
		db:           GlobalDB,
		registry:     defaultRegistry,
		modelInfo:    ParseModel[T](),
		forceReplica: -1,
	}
}

// TableName returns the table name for the model.
func (m *Model[T]) TableName() string {
	return m.modelInfo.TableName
}

// SetDB sets a custom database connection for this model instance.
func (m *Model[T]) SetDB(db *sql.DB) *Model[T] {
	m.db = db
	return m
}

// WithRegistry attaches a registry other than the package default.
func (m *Model[T]) WithRegistry(reg *Registry) *Model[T] {
	m.registry = reg
	return m
}

// WithStmtCache enables prepared statement caching for this model.
func (m *Model[T]) WithStmtCache(cache *StmtCache) *Model[T] {
	m.stmtCache = cache
	return m
}

// UsePrimary forces read queries onto the primary connection when a resolver
// is configured.
func (m *Model[T]) UsePrimary() *Model[T] {
	m.forcePrimary = true
	return m
}

// UseReplica forces read queries onto a specific replica by index.
func (m *Model[T]) UseReplica(index int) *Model[T] {
	m.forceReplica = index
	return m
}

// Err returns the first error recorded while building the query, if any.
func (m *Model[T]) Err() error {
	return m.err
}

// Clone creates a deep copy of the model's builder state. The underlying
// connection, registry, and statement cache are shared.
func (m *Model[T]) Clone() *Model[T] {
	clone := &Model[T]{
		db:           m.db,
		tx:           m.tx,
		registry:     m.registry,
		modelInfo:    m.modelInfo,
		err:          m.err,
		distinct:     m.distinct,
		limit:        m.limit,
		offset:       m.offset,
		lockMode:     m.lockMode,
		allScopesOff: m.allScopesOff,
		trash:        m.trash,
		forcePrimary: m.forcePrimary,
		forceReplica: m.forceReplica,
		stmtCache:    m.stmtCache,
		rawQuery:     m.rawQuery,
	}

	clone.columns = cloneSlice(m.columns)
	clone.wheres = cloneSlice(m.wheres)
	clone.args = cloneSlice(m.args)
	clone.orderBys = cloneSlice(m.orderBys)
	clone.groupBys = cloneSlice(m.groupBys)
	clone.havings = cloneSlice(m.havings)
	clone.havingArgs = cloneSlice(m.havingArgs)
	clone.distinctOn = cloneSlice(m.distinctOn)
	clone.joins = cloneSlice(m.joins)
	clone.ctes = cloneSlice(m.ctes)
	clone.relations = cloneSlice(m.relations)
	clone.rawArgs = cloneSlice(m.rawArgs)

	if m.omitColumns != nil {
		clone.omitColumns = maps.Clone(m.omitColumns)
	}
	if m.withoutScopes != nil {
		clone.withoutScopes = maps.Clone(m.withoutScopes)
	}
	if m.relationCallbacks != nil {
		clone.relationCallbacks = maps.Clone(m.relationCallbacks)
	}
	if m.morphRelations != nil {
		clone.morphRelations = make(map[string]map[string][]string, len(m.morphRelations))
		for k, v := range m.morphRelations {
			clone.morphRelations[k] = maps.Clone(v)
		}
	}

	return clone
}

func cloneSlice[E any](s []E) []E {
	if len(s) == 0 {
		return nil
	}
	out := make([]E, len(s))
	copy(out, s)
	return out
}

// ConfigureConnectionPoolSeconds accepts durations in seconds.
// Pass 0 to leave duration unlimited / not set.
func ConfigureConnectionPoolSeconds(db *sql.DB, maxOpen, maxIdle int, maxLifetimeSec, idleTimeoutSec int64) {
	if db == nil {
		return
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if maxLifetimeSec >= 0 {
		db.SetConnMaxLifetime(time.Duration(maxLifetimeSec) * time.Second)
	}
	if idleTimeoutSec >= 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeoutSec) * time.Second)
	}
}
