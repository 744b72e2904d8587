package norm

import (
	"container/list"
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"maps"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sqlQueryer is the subset of *sql.DB and *sql.Tx the executor needs.
type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// queryer returns the appropriate query executor based on transaction state
// and resolver configuration. Transactions always use their own connection;
// otherwise reads route through the resolver when one is installed.
func (m *Model[T]) queryer() sqlQueryer {
	if m.tx != nil {
		return m.tx
	}

	if resolver := GetGlobalResolver(); resolver != nil {
		return m.resolveDB(resolver)
	}

	if m.db != nil {
		return m.db
	}
	return GlobalDB
}

// resolveDB picks a connection from the resolver honoring manual overrides.
func (m *Model[T]) resolveDB(resolver *DBResolver) *sql.DB {
	if m.forcePrimary {
		return resolver.Primary()
	}

	if m.forceReplica >= 0 {
		if db := resolver.ReplicaAt(m.forceReplica); db != nil {
			return db
		}
	}

	return resolver.Replica()
}

// queryerForWrite returns the primary database for write operations.
func (m *Model[T]) queryerForWrite() sqlQueryer {
	if m.tx != nil {
		return m.tx
	}

	if resolver := GetGlobalResolver(); resolver != nil {
		return resolver.Primary()
	}

	if m.db != nil {
		return m.db
	}
	return GlobalDB
}

// prepareStmtWithQueryer prepares a statement, consulting the statement cache
// when one is attached. The returned release function must be called when the
// caller is done with the statement.
func (m *Model[T]) prepareStmtWithQueryer(ctx context.Context, query string, q sqlQueryer) (*sql.Stmt, func(), error) {
	prepare := func() (*sql.Stmt, error) {
		switch conn := q.(type) {
		case *sql.DB:
			return conn.PrepareContext(ctx, query)
		case *sql.Tx:
			return conn.PrepareContext(ctx, query)
		default:
			return nil, fmt.Errorf("norm: unable to prepare statement: invalid queryer type")
		}
	}

	if m.stmtCache == nil {
		stmt, err := prepare()
		if err != nil {
			return nil, nil, err
		}
		return stmt, func() { stmt.Close() }, nil
	}

	if stmt, release := m.stmtCache.Get(query); stmt != nil {
		return stmt, release, nil
	}

	stmt, err := prepare()
	if err != nil {
		return nil, nil, err
	}

	// Store in cache with an incremented ref count atomically so the entry
	// cannot be evicted between Put and Get.
	cachedStmt, release := m.stmtCache.PutAndGet(query, stmt)
	return cachedStmt, release, nil
}

// runQuery executes a SELECT-style statement through the central path:
// placeholder rebinding, optional prepared statement caching, timing, and
// query hooks.
func (m *Model[T]) runQuery(ctx context.Context, op, query string, args []any, write bool) (*sql.Rows, error) {
	q := m.queryer()
	if write {
		q = m.queryerForWrite()
	}

	bound := rebind(query)
	start := time.Now()

	var rows *sql.Rows
	var err error

	if m.stmtCache != nil {
		var stmt *sql.Stmt
		var release func()
		stmt, release, err = m.prepareStmtWithQueryer(ctx, bound, q)
		if err == nil {
			defer release()
			rows, err = stmt.QueryContext(ctx, args...)
		}
	} else {
		rows, err = q.QueryContext(ctx, bound, args...)
	}

	m.registry.fireQueryHooks(QueryInfo{
		Operation: op,
		Query:     bound,
		Args:      args,
		Duration:  time.Since(start),
		Err:       err,
	})

	if err != nil {
		return nil, WrapQueryError(op, query, args, err)
	}
	return rows, nil
}

// runExec executes a write statement through the central path.
func (m *Model[T]) runExec(ctx context.Context, op, query string, args []any) (sql.Result, error) {
	q := m.queryerForWrite()

	bound := rebind(query)
	start := time.Now()

	var res sql.Result
	var err error

	if m.stmtCache != nil {
		var stmt *sql.Stmt
		var release func()
		stmt, release, err = m.prepareStmtWithQueryer(ctx, bound, q)
		if err == nil {
			defer release()
			res, err = stmt.ExecContext(ctx, args...)
		}
	} else {
		res, err = q.ExecContext(ctx, bound, args...)
	}

	m.registry.fireQueryHooks(QueryInfo{
		Operation: op,
		Query:     bound,
		Args:      args,
		Duration:  time.Since(start),
		Err:       err,
	})

	if err != nil {
		return nil, WrapQueryError(op, query, args, err)
	}
	return res, nil
}

// runQueryRowScan executes a single-row query and scans it into dest.
func (m *Model[T]) runQueryRowScan(ctx context.Context, op, query string, args []any, write bool, dest ...any) error {
	q := m.queryer()
	if write {
		q = m.queryerForWrite()
	}

	bound := rebind(query)
	start := time.Now()

	err := q.QueryRowContext(ctx, bound, args...).Scan(dest...)

	m.registry.fireQueryHooks(QueryInfo{
		Operation: op,
		Query:     bound,
		Args:      args,
		Duration:  time.Since(start),
		Err:       err,
	})

	if err != nil {
		return WrapQueryError(op, query, args, err)
	}
	return nil
}

// scopeSet assembles the constraint contributions of the soft-delete filter
// and any global scopes registered for the model type. The soft-delete filter
// runs first so OnlyTrashed and scope conditions compose predictably.
func (m *Model[T]) scopeSet() *ConstraintSet {
	cs := &ConstraintSet{}

	if m.modelInfo.SoftDeletable() {
		col := m.modelInfo.DeletedAt.Column
		switch m.trash {
		case trashOnly:
			cs.WhereNotNull(col)
		case trashWith:
			// trashed rows included, no condition
		default:
			if !m.allScopesOff && !m.withoutScopes[ScopeSoftDelete] {
				cs.WhereNull(col)
			}
		}
	}

	if !m.allScopesOff {
		for _, s := range m.registry.scopes.globalScopesFor(m.modelInfo.Type) {
			if m.withoutScopes[s.name] {
				continue
			}
			s.fn(cs)
		}
	}

	return cs
}

// buildWhereClause appends the query's own conditions followed by scope
// conditions, and returns the scope arguments. It uses "WHERE 1=1" as a base
// to simplify appending AND/OR conditions.
func (m *Model[T]) buildWhereClause(sb *strings.Builder, cs *ConstraintSet) []any {
	if len(m.wheres) == 0 && len(cs.wheres) == 0 {
		return nil
	}

	sb.WriteString(" WHERE ")

	// Builder conditions are grouped so an OR branch cannot escape the
	// scope conditions appended after them.
	group := len(m.wheres) > 0 && len(cs.wheres) > 0
	if group {
		sb.WriteString("(1=1")
	} else {
		sb.WriteString("1=1 ")
	}
	for _, w := range m.wheres {
		sb.WriteByte(' ')
		sb.WriteString(w)
	}
	if group {
		sb.WriteByte(')')
	}
	for _, w := range cs.wheres {
		sb.WriteByte(' ')
		sb.WriteString(w)
	}
	return cs.args
}

// buildWithClause constructs the WITH clause for CTEs.
func (m *Model[T]) buildWithClause(sb *strings.Builder) []any {
	if len(m.ctes) == 0 {
		return nil
	}

	sb.WriteString("WITH ")
	var args []any

	for i, cte := range m.ctes {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(cte.Name)
		sb.WriteString(" AS (")

		if q, ok := cte.Query.(string); ok {
			sb.WriteString(q)
		} else if subBuilder, ok := cte.Query.(interface {
			buildSelectQuery() (string, []any)
		}); ok {
			subQuery, subArgs := subBuilder.buildSelectQuery()
			sb.WriteString(subQuery)
			args = append(args, subArgs...)
		}

		sb.WriteString(")")
	}
	sb.WriteString(" ")
	return args
}

// buildSelectQuery constructs the SQL SELECT statement from the builder
// state. Returns the query and its arguments in placeholder order:
// CTE args, where args, scope args, having args.
func (m *Model[T]) buildSelectQuery() (string, []any) {
	if m.rawQuery != "" {
		return m.rawQuery, m.rawArgs
	}

	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	cteArgs := m.buildWithClause(sb)

	sb.WriteString("SELECT ")

	if len(m.distinctOn) > 0 {
		// PostgreSQL DISTINCT ON syntax
		sb.WriteString("DISTINCT ON (")
		sb.WriteString(strings.Join(m.distinctOn, ", "))
		sb.WriteString(") ")
	} else if m.distinct {
		sb.WriteString("DISTINCT ")
	}

	if len(m.columns) > 0 {
		sb.WriteString(strings.Join(m.columns, ", "))
	} else {
		sb.WriteString("*")
	}

	sb.WriteString(" FROM ")
	sb.WriteString(m.TableName())

	for _, j := range m.joins {
		sb.WriteByte(' ')
		sb.WriteString(j)
	}

	cs := m.scopeSet()
	scopeArgs := m.buildWhereClause(sb, cs)

	if len(m.groupBys) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(m.groupBys, ", "))
	}

	if len(m.havings) > 0 {
		sb.WriteString(" HAVING ")
		sb.WriteString(strings.Join(m.havings, " AND "))
	}

	orderBys := m.orderBys
	if len(cs.orderBys) > 0 {
		orderBys = append(append([]string{}, m.orderBys...), cs.orderBys...)
	}
	if len(orderBys) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orderBys, ", "))
	}

	limit := m.limit
	if limit == 0 && cs.limit > 0 {
		limit = cs.limit
	}
	if limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(limit))
	}

	if m.offset > 0 {
		sb.WriteString(" OFFSET ")
		sb.WriteString(strconv.Itoa(m.offset))
	}

	if m.lockMode != "" {
		sb.WriteString(" FOR ")
		sb.WriteString(m.lockMode)
	}

	allArgs := make([]any, 0, len(cteArgs)+len(m.args)+len(scopeArgs)+len(m.havingArgs))
	allArgs = append(allArgs, cteArgs...)
	allArgs = append(allArgs, m.args...)
	allArgs = append(allArgs, scopeArgs...)
	allArgs = append(allArgs, m.havingArgs...)

	return strings.Clone(sb.String()), allArgs
}

// Get executes the query and returns a slice of results with any requested
// relations eager loaded.
func (m *Model[T]) Get(ctx context.Context) ([]*T, error) {
	if m.err != nil {
		return nil, m.err
	}

	query, args := m.buildSelectQuery()

	rows, err := m.runQuery(ctx, "SELECT", query, args, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results, err := m.scanRows(rows)
	if err != nil {
		return nil, WrapQueryError("SCAN", query, args, err)
	}

	if err := m.loadRelations(ctx, results); err != nil {
		return nil, err
	}

	return results, nil
}

// First executes the query and returns the first result.
// Uses Clone() to avoid mutating the original query state.
func (m *Model[T]) First(ctx context.Context) (*T, error) {
	q := m.Clone()
	q.limit = 1
	results, err := q.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrRecordNotFound
	}
	return results[0], nil
}

// Find finds a record by primary key.
func (m *Model[T]) Find(ctx context.Context, id any) (*T, error) {
	return m.Clone().Where(m.modelInfo.PrimaryKey, id).First(ctx)
}

// FindOrFail finds a record by primary key or returns ErrRecordNotFound.
func (m *Model[T]) FindOrFail(ctx context.Context, id any) (*T, error) {
	return m.Find(ctx, id)
}

// Pluck retrieves a single column's values from the result set.
func (m *Model[T]) Pluck(ctx context.Context, column string) ([]any, error) {
	if err := ValidateColumnName(column); err != nil {
		return nil, err
	}

	q := m.Clone()
	q.columns = []string{column}

	query, args := q.buildSelectQuery()

	rows, err := q.runQuery(ctx, "SELECT", query, args, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	initialCap := q.limit
	if initialCap <= 0 {
		initialCap = 64
	}
	results := make([]any, 0, initialCap)

	for rows.Next() {
		var val any
		if err := rows.Scan(&val); err != nil {
			return nil, WrapQueryError("SCAN", query, args, err)
		}
		results = append(results, val)
	}

	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("SCAN", query, args, err)
	}

	return results, nil
}

// Count returns the number of records matching the query. Grouped queries
// are counted through a subselect so the result is the number of groups.
func (m *Model[T]) Count(ctx context.Context) (int64, error) {
	q := m.Clone()
	q.limit, q.offset = 0, 0
	q.orderBys = nil

	if len(q.groupBys) > 0 {
		inner, innerArgs := q.buildSelectQuery()
		query := "SELECT COUNT(*) FROM (" + inner + ") AS grouped"

		var count int64
		if err := q.runQueryRowScan(ctx, "COUNT", query, innerArgs, false, &count); err != nil {
			return 0, err
		}
		return count, nil
	}

	sb := GetStringBuilder()
	cteArgs := q.buildWithClause(sb)

	sb.WriteString("SELECT COUNT(*) FROM ")
	sb.WriteString(q.TableName())

	scopeArgs := q.buildWhereClause(sb, q.scopeSet())

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	args := joinArgs(cteArgs, q.args, scopeArgs)

	var count int64
	if err := q.runQueryRowScan(ctx, "COUNT", query, args, false, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any record matches the query conditions.
func (m *Model[T]) Exists(ctx context.Context) (bool, error) {
	q := m.Clone()
	q.limit = 1
	q.offset = 0
	q.orderBys = nil

	sb := GetStringBuilder()
	cteArgs := q.buildWithClause(sb)

	sb.WriteString("SELECT 1 FROM ")
	sb.WriteString(q.TableName())

	scopeArgs := q.buildWhereClause(sb, q.scopeSet())
	sb.WriteString(" LIMIT 1")

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	args := joinArgs(cteArgs, q.args, scopeArgs)

	var exists int
	err := q.runQueryRowScan(ctx, "EXISTS", query, args, false, &exists)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Sum calculates the sum of a column. Returns 0 when no rows match.
func (m *Model[T]) Sum(ctx context.Context, column string) (float64, error) {
	return m.aggregateFloat(ctx, "SUM", column)
}

// Avg calculates the average of a column. Returns 0 when no rows match.
func (m *Model[T]) Avg(ctx context.Context, column string) (float64, error) {
	return m.aggregateFloat(ctx, "AVG", column)
}

func (m *Model[T]) aggregateFloat(ctx context.Context, fn, column string) (float64, error) {
	if err := ValidateColumnName(column); err != nil {
		return 0, err
	}

	q := m.Clone()
	q.limit, q.offset = 0, 0
	q.orderBys = nil

	sb := GetStringBuilder()
	cteArgs := q.buildWithClause(sb)

	sb.WriteString("SELECT ")
	sb.WriteString(fn)
	sb.WriteByte('(')
	sb.WriteString(column)
	sb.WriteString(") FROM ")
	sb.WriteString(q.TableName())

	scopeArgs := q.buildWhereClause(sb, q.scopeSet())

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	args := joinArgs(cteArgs, q.args, scopeArgs)

	var result sql.NullFloat64
	if err := q.runQueryRowScan(ctx, fn, query, args, false, &result); err != nil {
		return 0, err
	}

	if result.Valid {
		return result.Float64, nil
	}
	return 0, nil
}

// CountOver returns counts of records partitioned by the specified column,
// using COUNT(*) OVER (PARTITION BY column).
func (m *Model[T]) CountOver(ctx context.Context, column string) (map[any]int64, error) {
	if err := ValidateColumnName(column); err != nil {
		return nil, err
	}

	sb := GetStringBuilder()
	sb.WriteString("SELECT ")
	sb.WriteString(column)
	sb.WriteString(", COUNT(*) OVER (PARTITION BY ")
	sb.WriteString(column)
	sb.WriteString(") as count FROM ")
	sb.WriteString(m.TableName())

	scopeArgs := m.buildWhereClause(sb, m.scopeSet())
	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	args := joinArgs(nil, m.args, scopeArgs)

	rows, err := m.runQuery(ctx, "SELECT", query, args, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[any]int64)
	for rows.Next() {
		var colVal any
		var count int64
		if err := rows.Scan(&colVal, &count); err != nil {
			return nil, err
		}
		result[colVal] = count
	}

	return result, rows.Err()
}

func joinArgs(groups ...[]any) []any {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	out := make([]any, 0, n)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// columnMappingCache caches column-to-field mappings per query signature.
// Key format: "typeName:col1,col2,col3". Type name (not table name) because
// different Go types can map to the same table with different fields.
var columnMappingCache = newColumnCache(1000)

// columnCache is a sharded LRU cache for column mappings.
type columnCache struct {
	shards   [64]*columnCacheShard
	capacity int
}

type columnCacheShard struct {
	mu       sync.Mutex
	items    map[string]*columnCacheEntry
	lruList  *list.List
	capacity int
}

type columnCacheEntry struct {
	key     string
	value   []*FieldInfo
	element *list.Element
}

func newColumnCache(capacity int) *columnCache {
	shardCapacity := capacity / 64
	if shardCapacity < 1 {
		shardCapacity = 1
	}

	c := &columnCache{capacity: capacity}
	for i := 0; i < 64; i++ {
		c.shards[i] = &columnCacheShard{
			items:    make(map[string]*columnCacheEntry),
			lruList:  list.New(),
			capacity: shardCapacity,
		}
	}
	return c
}

func (c *columnCache) getShard(key string) *columnCacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%64]
}

func (c *columnCache) Load(key string) ([]*FieldInfo, bool) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, ok := shard.items[key]; ok {
		shard.lruList.MoveToFront(entry.element)
		return entry.value, true
	}
	return nil, false
}

func (c *columnCache) Store(key string, value []*FieldInfo) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.items[key]; exists {
		return
	}

	if len(shard.items) >= shard.capacity {
		if back := shard.lruList.Back(); back != nil {
			entry := back.Value.(*columnCacheEntry)
			delete(shard.items, entry.key)
			shard.lruList.Remove(back)
		}
	}

	entry := &columnCacheEntry{key: key, value: value}
	entry.element = shard.lruList.PushFront(entry)
	shard.items[key] = entry
}

// mapColumns maps database columns to struct field info, cached per column
// set.
func mapColumns(info *ModelInfo, columns []string) []*FieldInfo {
	key := info.Type.String() + ":" + strings.Join(columns, ",")

	if cached, ok := columnMappingCache.Load(key); ok {
		return cached
	}

	fields := make([]*FieldInfo, len(columns))
	for i, col := range columns {
		fields[i] = info.Columns[col]
	}

	columnMappingCache.Store(key, fields)
	return fields
}

// fieldScanner scans a column into a struct field, mapping NULL to the
// field's zero value so non-pointer fields survive NULL columns.
type fieldScanner struct {
	field reflect.Value
}

func (s *fieldScanner) Scan(src any) error {
	if src == nil {
		s.field.SetZero()
		return nil
	}
	return setFieldValue(s.field, src)
}

// fillScanDestinations creates scan destinations for sql.Rows.Scan based on
// the pre-calculated field mapping. It reuses the dest slice per row.
// Pointer fields and sql.Scanner implementations handle NULL themselves;
// everything else goes through a fieldScanner.
func fillScanDestinations(fields []*FieldInfo, val reflect.Value, dest []any) {
	for i, f := range fields {
		if f == nil {
			var ignore any
			dest[i] = &ignore
			continue
		}

		fv := val.FieldByIndex(f.Index)
		if f.FieldType.Kind() == reflect.Pointer || reflect.PointerTo(f.FieldType).Implements(scannerIface) {
			dest[i] = fv.Addr().Interface()
		} else {
			dest[i] = &fieldScanner{field: fv}
		}
	}
}

// scanRows scans sql.Rows into a slice of *T, tracking original values for
// dirty checking.
func (m *Model[T]) scanRows(rows *sql.Rows) ([]*T, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	initialCap := m.limit
	if initialCap <= 0 {
		initialCap = 64
	}
	results := make([]*T, 0, initialCap)

	fields := mapColumns(m.modelInfo, columns)
	dest := make([]any, len(columns))

	for rows.Next() {
		entity := new(T)
		val := reflect.ValueOf(entity).Elem()

		fillScanDestinations(fields, val, dest)

		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		TrackOriginals(entity, m.modelInfo)

		results = append(results, entity)
	}

	m.loadAccessors(results)

	return results, rows.Err()
}

// scanRowsDynamic scans rows into a slice of pointers to structs described by
// modelInfo. Used for loading relations whose type differs from T.
func scanRowsDynamic(rows *sql.Rows, modelInfo *ModelInfo) ([]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	fields := mapColumns(modelInfo, columns)
	results := make([]any, 0, 64)
	dest := make([]any, len(columns))

	for rows.Next() {
		val := reflect.New(modelInfo.Type)
		elem := val.Elem()

		fillScanDestinations(fields, elem, dest)

		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		results = append(results, val.Interface())
	}

	return results, rows.Err()
}

// Cursor returns a forward-only iterator over query results.
// Useful for large datasets to avoid loading everything into memory.
func (m *Model[T]) Cursor(ctx context.Context) (*Cursor[T], error) {
	if m.err != nil {
		return nil, m.err
	}

	query, args := m.buildSelectQuery()
	rows, err := m.runQuery(ctx, "SELECT", query, args, false)
	if err != nil {
		return nil, err
	}

	return &Cursor[T]{
		rows:  rows,
		model: m,
	}, nil
}

// Cursor provides a typed, forward-only iterator over database query results.
type Cursor[T any] struct {
	rows    *sql.Rows
	model   *Model[T]
	columns []string
	fields  []*FieldInfo
	dest    []any
}

// Next prepares the next result row for reading with the Scan method.
func (c *Cursor[T]) Next() bool {
	return c.rows.Next()
}

// Scan scans the current row into a new entity.
func (c *Cursor[T]) Scan(ctx context.Context) (*T, error) {
	if c.columns == nil {
		var err error
		c.columns, err = c.rows.Columns()
		if err != nil {
			return nil, err
		}
		c.fields = mapColumns(c.model.modelInfo, c.columns)
		c.dest = make([]any, len(c.columns))
	}

	entity := new(T)
	val := reflect.ValueOf(entity).Elem()

	fillScanDestinations(c.fields, val, c.dest)

	if err := c.rows.Scan(c.dest...); err != nil {
		return nil, err
	}

	TrackOriginals(entity, c.model.modelInfo)
	c.model.loadAccessorsSingle(entity)

	if len(c.model.relations) > 0 {
		if err := c.model.loadRelations(ctx, []*T{entity}); err != nil {
			return nil, err
		}
	}

	return entity, nil
}

// Err returns any error encountered during iteration.
func (c *Cursor[T]) Err() error {
	return c.rows.Err()
}

// Close closes the cursor.
func (c *Cursor[T]) Close() error {
	return c.rows.Close()
}

// touchTimestamp sets a managed timestamp column on the entity if present.
func touchTimestamp(val reflect.Value, field *FieldInfo, now time.Time, onlyIfZero bool) {
	if field == nil {
		return
	}
	fVal := val.FieldByIndex(field.Index)
	if !fVal.CanSet() {
		return
	}
	if onlyIfZero && !fVal.IsZero() {
		return
	}
	_ = setFieldValue(fVal, now)
}

// Create inserts a new record, firing the saving and creating events before
// the insert and created and saved after. A veto from any pre-event listener
// aborts with ErrOperationCanceled.
func (m *Model[T]) Create(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}

	if hook, ok := any(entity).(interface{ BeforeCreate(context.Context) error }); ok {
		if err := hook.BeforeCreate(ctx); err != nil {
			return err
		}
	}

	if !fireEvent(m.registry, ctx, EventSaving, entity) {
		return ErrOperationCanceled
	}
	if !fireEvent(m.registry, ctx, EventCreating, entity) {
		return ErrOperationCanceled
	}

	val := reflect.ValueOf(entity).Elem()
	now := time.Now()
	touchTimestamp(val, m.modelInfo.CreatedAt, now, true)
	touchTimestamp(val, m.modelInfo.UpdatedAt, now, true)

	numFields := len(m.modelInfo.Fields)
	columns := make([]string, 0, numFields)
	values := make([]any, 0, numFields)

	for _, field := range m.modelInfo.Fields {
		fVal := val.FieldByIndex(field.Index)
		// Skip auto-increment primary key if zero
		if field.IsPrimary && field.IsAuto && fVal.IsZero() {
			continue
		}

		columns = append(columns, field.Column)
		values = append(values, fVal.Interface())
	}

	pkField, hasPK := m.modelInfo.Columns[m.modelInfo.PrimaryKey]

	sb := GetStringBuilder()
	sb.WriteString("INSERT INTO ")
	sb.WriteString(m.modelInfo.TableName)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES (")
	writePlaceholdersWithSeparator(sb, len(columns), ", ")
	sb.WriteByte(')')

	useReturning := DefaultDialect().SupportsReturning && hasPK
	if useReturning {
		sb.WriteString(" RETURNING ")
		sb.WriteString(m.modelInfo.PrimaryKey)
	}

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	if useReturning {
		fVal := val.FieldByIndex(pkField.Index)
		if !fVal.CanSet() {
			return fmt.Errorf("norm: cannot set primary key field %s", pkField.Name)
		}
		if err := m.runQueryRowScan(ctx, "INSERT", query, values, true, fVal.Addr().Interface()); err != nil {
			return err
		}
	} else {
		res, err := m.runExec(ctx, "INSERT", query, values)
		if err != nil {
			return err
		}
		if hasPK && pkField.IsAuto {
			if id, err := res.LastInsertId(); err == nil {
				fVal := val.FieldByIndex(pkField.Index)
				if fVal.CanSet() && fVal.IsZero() {
					_ = setFieldValue(fVal, id)
				}
			}
		}
	}

	TrackOriginals(entity, m.modelInfo)

	if hook, ok := any(entity).(interface{ AfterCreate(context.Context) error }); ok {
		if err := hook.AfterCreate(ctx); err != nil {
			return err
		}
	}

	fireEvent(m.registry, ctx, EventCreated, entity)
	fireEvent(m.registry, ctx, EventSaved, entity)

	return nil
}

// Update updates a single record by primary key, firing the saving and
// updating events before the statement and updated and saved after.
func (m *Model[T]) Update(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}

	if hook, ok := any(entity).(interface{ BeforeUpdate(context.Context) error }); ok {
		if err := hook.BeforeUpdate(ctx); err != nil {
			return err
		}
	}

	if !fireEvent(m.registry, ctx, EventSaving, entity) {
		return ErrOperationCanceled
	}
	if !fireEvent(m.registry, ctx, EventUpdating, entity) {
		return ErrOperationCanceled
	}

	val := reflect.ValueOf(entity).Elem()
	touchTimestamp(val, m.modelInfo.UpdatedAt, time.Now(), false)

	numFields := len(m.modelInfo.Fields)
	sets := make([]string, 0, numFields)
	values := make([]any, 0, numFields+1)

	for _, field := range m.modelInfo.Fields {
		if field.IsPrimary {
			continue
		}
		if m.omitColumns != nil && m.omitColumns[field.Column] {
			continue
		}

		sets = append(sets, field.Column+" = ?")
		values = append(values, val.FieldByIndex(field.Index).Interface())
	}

	sb := GetStringBuilder()
	cteArgs := m.buildWithClause(sb)

	sb.WriteString("UPDATE ")
	sb.WriteString(m.modelInfo.TableName)
	sb.WriteString(" SET ")
	sb.WriteString(strings.Join(sets, ", "))

	pkField := m.modelInfo.Columns[m.modelInfo.PrimaryKey]
	pkVal := val.FieldByIndex(pkField.Index).Interface()
	sb.WriteString(" WHERE ")
	sb.WriteString(m.modelInfo.PrimaryKey)
	sb.WriteString(" = ?")
	values = append(values, pkVal)

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	allArgs := joinArgs(cteArgs, values)

	if _, err := m.runExec(ctx, "UPDATE", query, allArgs); err != nil {
		return err
	}

	// Mark entity as clean after a successful update
	SyncOriginals(entity, m.modelInfo)

	if hook, ok := any(entity).(interface{ AfterUpdate(context.Context) error }); ok {
		if err := hook.AfterUpdate(ctx); err != nil {
			return err
		}
	}

	fireEvent(m.registry, ctx, EventUpdated, entity)
	fireEvent(m.registry, ctx, EventSaved, entity)

	return nil
}

// UpdateColumns updates only the specified columns of the entity.
//
// Example:
//
//	user.Name = "New Name"
//	err := model.UpdateColumns(ctx, user, "name")
func (m *Model[T]) UpdateColumns(ctx context.Context, entity *T, columns ...string) error {
	if entity == nil {
		return ErrNilPointer
	}
	if len(columns) == 0 {
		return nil
	}

	val := reflect.ValueOf(entity).Elem()

	hasUpdatedAt := false
	for _, col := range columns {
		if col == "updated_at" {
			hasUpdatedAt = true
			break
		}
	}
	if !hasUpdatedAt && m.modelInfo.UpdatedAt != nil {
		touchTimestamp(val, m.modelInfo.UpdatedAt, time.Now(), false)
		columns = append(columns, m.modelInfo.UpdatedAt.Column)
	}

	if !fireEvent(m.registry, ctx, EventSaving, entity) {
		return ErrOperationCanceled
	}
	if !fireEvent(m.registry, ctx, EventUpdating, entity) {
		return ErrOperationCanceled
	}

	var sets []string
	var values []any

	for _, column := range columns {
		field, ok := m.modelInfo.Columns[column]
		if !ok || field.IsPrimary {
			continue
		}

		sets = append(sets, column+" = ?")
		values = append(values, val.FieldByIndex(field.Index).Interface())
	}

	if len(sets) == 0 {
		return nil
	}

	sb := GetStringBuilder()
	sb.WriteString("UPDATE ")
	sb.WriteString(m.modelInfo.TableName)
	sb.WriteString(" SET ")
	sb.WriteString(strings.Join(sets, ", "))

	pkField := m.modelInfo.Columns[m.modelInfo.PrimaryKey]
	pkVal := val.FieldByIndex(pkField.Index).Interface()
	sb.WriteString(" WHERE ")
	sb.WriteString(m.modelInfo.PrimaryKey)
	sb.WriteString(" = ?")
	values = append(values, pkVal)

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	if _, err := m.runExec(ctx, "UPDATE", query, values); err != nil {
		return err
	}

	SyncOriginals(entity, m.modelInfo)

	fireEvent(m.registry, ctx, EventUpdated, entity)
	fireEvent(m.registry, ctx, EventSaved, entity)

	return nil
}

// Delete removes records matching the current query conditions. For
// soft-deletable models this sets deleted_at instead of removing rows; use
// ForceDelete to remove them permanently. Bulk deletes do not fire model
// events.
// WARNING: Without WHERE conditions, this affects ALL records in the table.
func (m *Model[T]) Delete(ctx context.Context) error {
	if m.err != nil {
		return m.err
	}

	if m.modelInfo.SoftDeletable() {
		values := map[string]any{
			m.modelInfo.DeletedAt.Column: time.Now(),
		}
		return m.UpdateMany(ctx, values)
	}

	return m.ForceDelete(ctx)
}

// ForceDelete permanently removes records matching the query conditions,
// bypassing soft deletes.
func (m *Model[T]) ForceDelete(ctx context.Context) error {
	if m.err != nil {
		return m.err
	}

	sb := GetStringBuilder()
	cteArgs := m.buildWithClause(sb)

	sb.WriteString("DELETE FROM ")
	sb.WriteString(m.modelInfo.TableName)
	scopeArgs := m.buildWhereClause(sb, m.scopeSet())

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	args := joinArgs(cteArgs, m.args, scopeArgs)

	_, err := m.runExec(ctx, "DELETE", query, args)
	return err
}

// DeleteMany deletes records matching the query.
func (m *Model[T]) DeleteMany(ctx context.Context) error {
	return m.Delete(ctx)
}

// Exec executes a raw query and returns the result.
func (m *Model[T]) Exec(ctx context.Context) (sql.Result, error) {
	if m.rawQuery != "" {
		return m.runExec(ctx, "EXEC", m.rawQuery, m.rawArgs)
	}
	return nil, ErrRequiresRawQuery
}

// FirstOrCreate finds the first record matching attributes or creates it with
// the merged attributes and values.
func (m *Model[T]) FirstOrCreate(ctx context.Context, attributes map[string]any, values map[string]any) (*T, error) {
	if attributes == nil {
		attributes = make(map[string]any)
	}
	if values == nil {
		values = make(map[string]any)
	}

	q := m.Clone()
	for k, v := range attributes {
		q = q.Where(k, v)
	}

	result, err := q.First(ctx)
	if err == nil && result != nil {
		return result, nil
	}
	if err != nil && !IsNotFound(err) {
		return nil, err
	}

	data := make(map[string]any)
	maps.Copy(data, attributes)
	maps.Copy(data, values)

	entity := new(T)
	if err := fillStruct(entity, data, m.modelInfo); err != nil {
		return nil, err
	}

	if err := m.Create(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// UpdateOrCreate finds a record matching attributes and updates it with
// values, or creates it from the merged attributes and values.
func (m *Model[T]) UpdateOrCreate(ctx context.Context, attributes map[string]any, values map[string]any) (*T, error) {
	if attributes == nil {
		attributes = make(map[string]any)
	}
	if values == nil {
		values = make(map[string]any)
	}

	q := m.Clone()
	for k, v := range attributes {
		q = q.Where(k, v)
	}

	result, err := q.First(ctx)
	if err == nil && result != nil {
		if err := fillStruct(result, values, m.modelInfo); err != nil {
			return nil, err
		}
		if err := m.Update(ctx, result); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err != nil && !IsNotFound(err) {
		return nil, err
	}

	data := make(map[string]any)
	maps.Copy(data, attributes)
	maps.Copy(data, values)

	entity := new(T)
	if err := fillStruct(entity, data, m.modelInfo); err != nil {
		return nil, err
	}

	if err := m.Create(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// CreateMany inserts multiple records in chunked multi-row INSERT statements,
// wrapped in a transaction when more than one chunk is needed.
func (m *Model[T]) CreateMany(ctx context.Context, entities []*T) error {
	if len(entities) == 0 {
		return nil
	}

	now := time.Now()
	for _, e := range entities {
		if e == nil {
			return ErrNilPointer
		}
		val := reflect.ValueOf(e).Elem()
		touchTimestamp(val, m.modelInfo.CreatedAt, now, true)
		touchTimestamp(val, m.modelInfo.UpdatedAt, now, true)
	}

	numFields := len(m.modelInfo.Fields)
	columns := make([]string, 0, numFields)
	fieldsToInsert := make([][]int, 0, numFields)

	val0 := reflect.ValueOf(entities[0]).Elem()
	for _, field := range m.modelInfo.Fields {
		fVal := val0.FieldByIndex(field.Index)
		if field.IsPrimary && field.IsAuto && fVal.IsZero() {
			continue
		}
		columns = append(columns, field.Column)
		fieldsToInsert = append(fieldsToInsert, field.Index)
	}

	// Chunk below the 65535 parameter limit
	numColumns := len(columns)
	if numColumns == 0 {
		numColumns = 1
	}

	chunkSize := 65535 / numColumns
	if chunkSize > 500 {
		chunkSize = 500
	} else if chunkSize < 1 {
		chunkSize = 1
	}

	if len(entities) <= chunkSize {
		return m.createBatch(ctx, entities, columns, fieldsToInsert)
	}

	var tx *sql.Tx
	var err error
	var committed bool
	if m.tx == nil {
		db := m.db
		if db == nil {
			db = GlobalDB
		}
		if db == nil {
			return ErrNilDatabase
		}
		tx, err = db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()
	}

	for i := 0; i < len(entities); i += chunkSize {
		end := i + chunkSize
		if end > len(entities) {
			end = len(entities)
		}

		batch := entities[i:end]
		batchModel := m.Clone()
		if tx != nil {
			batchModel.tx = tx
		}

		if err := batchModel.createBatch(ctx, batch, columns, fieldsToInsert); err != nil {
			return err
		}
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
	}

	return nil
}

// createBatch performs a single multi-row insert.
func (m *Model[T]) createBatch(ctx context.Context, entities []*T, columns []string, fieldsToInsert [][]int) error {
	sb := GetStringBuilder()
	sb.WriteString("INSERT INTO ")
	sb.WriteString(m.TableName())
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(entities)*len(fieldsToInsert))

	rowSb := GetStringBuilder()
	rowSb.WriteByte('(')
	writePlaceholdersWithSeparator(rowSb, len(columns), ", ")
	rowSb.WriteByte(')')
	rowPlaceholder := strings.Clone(rowSb.String())
	PutStringBuilder(rowSb)

	for i, entity := range entities {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(rowPlaceholder)

		val := reflect.ValueOf(entity).Elem()
		for _, fieldIndex := range fieldsToInsert {
			args = append(args, val.FieldByIndex(fieldIndex).Interface())
		}
	}

	pkField, hasPK := m.modelInfo.Columns[m.modelInfo.PrimaryKey]
	useReturning := DefaultDialect().SupportsReturning && hasPK
	if useReturning {
		sb.WriteString(" RETURNING ")
		sb.WriteString(m.modelInfo.PrimaryKey)
	}

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	if !useReturning {
		_, err := m.runExec(ctx, "INSERT", query, args)
		return err
	}

	rows, err := m.runQuery(ctx, "INSERT", query, args, true)
	if err != nil {
		return err
	}
	defer rows.Close()

	idx := 0
	for rows.Next() {
		if idx >= len(entities) {
			break
		}
		entity := entities[idx]
		val := reflect.ValueOf(entity).Elem()
		fVal := val.FieldByIndex(pkField.Index)

		if fVal.CanSet() {
			if err := rows.Scan(fVal.Addr().Interface()); err != nil {
				return err
			}
		}
		idx++
	}
	return rows.Err()
}

// BulkInsert inserts multiple records reusing a single prepared statement.
// More efficient than CreateMany when fine-grained per-entity handling is
// wanted.
func (m *Model[T]) BulkInsert(ctx context.Context, entities []*T) error {
	if len(entities) == 0 {
		return nil
	}

	now := time.Now()
	for _, e := range entities {
		if e == nil {
			return ErrNilPointer
		}
		val := reflect.ValueOf(e).Elem()
		touchTimestamp(val, m.modelInfo.CreatedAt, now, true)
		touchTimestamp(val, m.modelInfo.UpdatedAt, now, true)
	}

	var columns []string
	var fieldsToInsert []*FieldInfo

	val0 := reflect.ValueOf(entities[0]).Elem()
	for _, field := range m.modelInfo.Fields {
		fVal := val0.FieldByIndex(field.Index)
		if field.IsPrimary && field.IsAuto && fVal.IsZero() {
			continue
		}
		columns = append(columns, field.Column)
		fieldsToInsert = append(fieldsToInsert, field)
	}

	pkField, hasPK := m.modelInfo.Columns[m.modelInfo.PrimaryKey]
	useReturning := DefaultDialect().SupportsReturning && hasPK

	sb := GetStringBuilder()
	sb.WriteString("INSERT INTO ")
	sb.WriteString(m.TableName())
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES (")
	writePlaceholdersWithSeparator(sb, len(columns), ", ")
	sb.WriteByte(')')
	if useReturning {
		sb.WriteString(" RETURNING ")
		sb.WriteString(m.modelInfo.PrimaryKey)
	}
	insertQuery := rebind(strings.Clone(sb.String()))
	PutStringBuilder(sb)

	var stmt *sql.Stmt
	var err error
	if m.tx != nil {
		stmt, err = m.tx.PrepareContext(ctx, insertQuery)
	} else {
		db := m.db
		if db == nil {
			db = GlobalDB
		}
		if db == nil {
			return ErrNilDatabase
		}
		stmt, err = db.PrepareContext(ctx, insertQuery)
	}
	if err != nil {
		return WrapQueryError("PREPARE", insertQuery, nil, err)
	}
	defer stmt.Close()

	args := make([]any, len(fieldsToInsert))

	for _, entity := range entities {
		val := reflect.ValueOf(entity).Elem()

		for i, field := range fieldsToInsert {
			args[i] = val.FieldByIndex(field.Index).Interface()
		}

		start := time.Now()
		var rowErr error
		scanned := false

		if useReturning {
			if fVal := val.FieldByIndex(pkField.Index); fVal.CanSet() {
				rowErr = stmt.QueryRowContext(ctx, args...).Scan(fVal.Addr().Interface())
				scanned = true
			}
		}
		if !scanned {
			_, rowErr = stmt.ExecContext(ctx, args...)
		}

		m.registry.fireQueryHooks(QueryInfo{
			Operation: "INSERT",
			Query:     insertQuery,
			Args:      args,
			Duration:  time.Since(start),
			Err:       rowErr,
		})

		if rowErr != nil {
			return WrapQueryError("INSERT", insertQuery, args, rowErr)
		}
	}

	return nil
}

// UpdateMany updates records matching the query with the given values.
// Bulk updates do not fire model events.
func (m *Model[T]) UpdateMany(ctx context.Context, values map[string]any) error {
	if m.err != nil {
		return m.err
	}
	if len(values) == 0 {
		return nil
	}

	values = maps.Clone(values)
	if m.modelInfo.UpdatedAt != nil {
		col := m.modelInfo.UpdatedAt.Column
		if _, exists := values[col]; !exists {
			values[col] = time.Now()
		}
	}

	var sets []string
	var setArgs []any

	for k, v := range values {
		if err := ValidateColumnName(k); err != nil {
			return err
		}
		sets = append(sets, k+" = ?")
		setArgs = append(setArgs, v)
	}

	sb := GetStringBuilder()
	cteArgs := m.buildWithClause(sb)

	sb.WriteString("UPDATE ")
	sb.WriteString(m.TableName())
	sb.WriteString(" SET ")
	sb.WriteString(strings.Join(sets, ", "))

	scopeArgs := m.buildWhereClause(sb, m.scopeSet())

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	args := joinArgs(cteArgs, setArgs, m.args, scopeArgs)

	_, err := m.runExec(ctx, "UPDATE", query, args)
	return err
}

// loadAccessors calls accessor methods (e.g. GetFullName) on loaded entities
// and stores their return values in the Attributes map. Accessor methods
// start with "Get", take no arguments, and return a single value; the key is
// the snake_case method name with the prefix removed.
func (m *Model[T]) loadAccessors(results []*T) {
	if len(results) == 0 {
		return
	}

	val := reflect.ValueOf(results[0]).Elem()
	attrField := val.FieldByName("Attributes")

	if !attrField.IsValid() || attrField.Kind() != reflect.Map {
		return
	}

	accessorIndices := m.modelInfo.Accessors
	if len(accessorIndices) == 0 {
		return
	}

	typ := reflect.TypeOf(results[0]).Elem()

	type methodCache struct {
		method reflect.Method
		key    string
	}
	methods := make([]methodCache, len(accessorIndices))
	for i, idx := range accessorIndices {
		method := typ.Method(idx)
		methods[i] = methodCache{
			method: method,
			key:    ToSnakeCase(strings.TrimPrefix(method.Name, "Get")),
		}
	}

	callArgs := make([]reflect.Value, 1)

	for _, res := range results {
		elem := reflect.ValueOf(res).Elem()
		attrField := elem.FieldByName("Attributes")
		if attrField.IsNil() {
			attrField.Set(reflect.MakeMap(attrField.Type()))
		}

		callArgs[0] = elem

		for _, mc := range methods {
			ret := mc.method.Func.Call(callArgs)
			attrField.SetMapIndex(reflect.ValueOf(mc.key), ret[0])
		}
	}
}

// loadAccessorsSingle processes accessors for one entity without allocating a
// slice.
func (m *Model[T]) loadAccessorsSingle(entity *T) {
	if entity == nil {
		return
	}

	val := reflect.ValueOf(entity).Elem()
	attrField := val.FieldByName("Attributes")

	if !attrField.IsValid() || attrField.Kind() != reflect.Map {
		return
	}

	accessorIndices := m.modelInfo.Accessors
	if len(accessorIndices) == 0 {
		return
	}

	if attrField.IsNil() {
		attrField.Set(reflect.MakeMap(attrField.Type()))
	}

	typ := val.Type()
	callArgs := []reflect.Value{val}

	for _, idx := range accessorIndices {
		method := typ.Method(idx)
		key := ToSnakeCase(strings.TrimPrefix(method.Name, "Get"))
		ret := method.Func.Call(callArgs)
		attrField.SetMapIndex(reflect.ValueOf(key), ret[0])
	}
}
