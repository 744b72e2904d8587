package norm

import (
	"strings"
)

// Where adds a WHERE condition joined with AND.
// Supports multiple forms:
//
//	Where("column", value)           -> column = ?
//	Where("column", ">", value)      -> column > ?
//	Where(map[string]any{...})       -> k1 = ? AND k2 = ?
//	Where("raw expr ?", arg1, arg2)  -> raw fragment with args
func (m *Model[T]) Where(query any, args ...any) *Model[T] {
	return m.addWhere("AND", query, args...)
}

// OrWhere adds a WHERE condition joined with OR.
func (m *Model[T]) OrWhere(query any, args ...any) *Model[T] {
	return m.addWhere("OR", query, args...)
}

func (m *Model[T]) addWhere(typ string, query any, args ...any) *Model[T] {
	// Map form
	if conditionMap, ok := query.(map[string]any); ok {
		for k, v := range conditionMap {
			if err := ValidateColumnName(k); err != nil {
				m.err = err
				continue
			}
			m.wheres = append(m.wheres, typ+" "+k+" = ?")
			m.args = append(m.args, v)
		}
		return m
	}

	queryStr, ok := query.(string)
	if !ok {
		return m
	}

	switch len(args) {
	case 0:
		m.wheres = append(m.wheres, typ+" "+queryStr)
	case 1:
		if err := ValidateColumnName(queryStr); err != nil {
			// Raw fragment, e.g. "age > ?"
			m.wheres = append(m.wheres, typ+" "+queryStr)
			m.args = append(m.args, args[0])
			return m
		}
		sb := GetStringBuilder()
		sb.WriteString(typ)
		sb.WriteByte(' ')
		sb.WriteString(queryStr)
		sb.WriteString(" = ?")
		m.wheres = append(m.wheres, strings.Clone(sb.String()))
		PutStringBuilder(sb)
		m.args = append(m.args, args[0])
	case 2:
		op, opOK := args[0].(string)
		if opOK && ValidateColumnName(queryStr) == nil {
			sb := GetStringBuilder()
			sb.WriteString(typ)
			sb.WriteByte(' ')
			sb.WriteString(queryStr)
			sb.WriteByte(' ')
			sb.WriteString(op)
			sb.WriteString(" ?")
			m.wheres = append(m.wheres, strings.Clone(sb.String()))
			PutStringBuilder(sb)
			m.args = append(m.args, args[1])
			return m
		}
		m.wheres = append(m.wheres, typ+" "+queryStr)
		m.args = append(m.args, args...)
	default:
		// Raw query with placeholders
		m.wheres = append(m.wheres, typ+" "+queryStr)
		m.args = append(m.args, args...)
	}

	return m
}

// WhereIn adds a WHERE column IN (...) condition.
// An empty value list matches nothing.
func (m *Model[T]) WhereIn(column string, values []any) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		m.err = err
		return m
	}
	if len(values) == 0 {
		m.wheres = append(m.wheres, "AND 1=0")
		return m
	}

	sb := GetStringBuilder()
	sb.WriteString("AND ")
	sb.WriteString(column)
	sb.WriteString(" IN (")
	writePlaceholdersWithSeparator(sb, len(values), ", ")
	sb.WriteByte(')')
	m.wheres = append(m.wheres, strings.Clone(sb.String()))
	PutStringBuilder(sb)

	m.args = append(m.args, values...)
	return m
}

// WhereNotIn adds a WHERE column NOT IN (...) condition.
func (m *Model[T]) WhereNotIn(column string, values []any) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		m.err = err
		return m
	}
	if len(values) == 0 {
		return m
	}

	sb := GetStringBuilder()
	sb.WriteString("AND ")
	sb.WriteString(column)
	sb.WriteString(" NOT IN (")
	writePlaceholdersWithSeparator(sb, len(values), ", ")
	sb.WriteByte(')')
	m.wheres = append(m.wheres, strings.Clone(sb.String()))
	PutStringBuilder(sb)

	m.args = append(m.args, values...)
	return m
}

// WhereNull adds a WHERE column IS NULL condition.
func (m *Model[T]) WhereNull(column string) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		m.err = err
		return m
	}
	m.wheres = append(m.wheres, "AND "+column+" IS NULL")
	return m
}

// WhereNotNull adds a WHERE column IS NOT NULL condition.
func (m *Model[T]) WhereNotNull(column string) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		m.err = err
		return m
	}
	m.wheres = append(m.wheres, "AND "+column+" IS NOT NULL")
	return m
}

// WhereBetween adds a WHERE column BETWEEN ? AND ? condition.
func (m *Model[T]) WhereBetween(column string, low, high any) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		m.err = err
		return m
	}
	m.wheres = append(m.wheres, "AND "+column+" BETWEEN ? AND ?")
	m.args = append(m.args, low, high)
	return m
}

// WhereRaw adds a raw WHERE fragment with arguments.
func (m *Model[T]) WhereRaw(fragment string, args ...any) *Model[T] {
	if err := ValidateRawQuery(fragment); err != nil {
		m.err = err
		return m
	}
	m.wheres = append(m.wheres, "AND "+fragment)
	m.args = append(m.args, args...)
	return m
}

// Select restricts the selected columns.
func (m *Model[T]) Select(columns ...string) *Model[T] {
	for _, col := range columns {
		if err := ValidateColumnName(col); err != nil {
			m.err = err
			continue
		}
		m.columns = append(m.columns, col)
	}
	return m
}

// Omit excludes columns from UPDATE statements built from an entity.
func (m *Model[T]) Omit(columns ...string) *Model[T] {
	if m.omitColumns == nil {
		m.omitColumns = make(map[string]bool, len(columns))
	}
	for _, col := range columns {
		m.omitColumns[col] = true
	}
	return m
}

// OrderBy adds an ORDER BY clause.
func (m *Model[T]) OrderBy(column, direction string) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		m.err = err
		return m
	}
	dir := strings.ToUpper(strings.TrimSpace(direction))
	if dir != "ASC" && dir != "DESC" {
		dir = "ASC"
	}
	m.orderBys = append(m.orderBys, column+" "+dir)
	return m
}

// GroupBy adds GROUP BY columns.
func (m *Model[T]) GroupBy(columns ...string) *Model[T] {
	for _, col := range columns {
		if err := ValidateColumnName(col); err != nil {
			m.err = err
			continue
		}
		m.groupBys = append(m.groupBys, col)
	}
	return m
}

// Having adds a HAVING clause.
func (m *Model[T]) Having(fragment string, args ...any) *Model[T] {
	if err := ValidateRawQuery(fragment); err != nil {
		m.err = err
		return m
	}
	if len(args) > 0 && !strings.Contains(fragment, "?") {
		fragment = strings.TrimSpace(fragment) + " ?"
	}
	m.havings = append(m.havings, fragment)
	m.havingArgs = append(m.havingArgs, args...)
	return m
}

// Distinct adds DISTINCT to the query.
func (m *Model[T]) Distinct() *Model[T] {
	m.distinct = true
	return m
}

// DistinctOn adds a PostgreSQL DISTINCT ON clause.
func (m *Model[T]) DistinctOn(columns ...string) *Model[T] {
	for _, col := range columns {
		if err := ValidateColumnName(col); err != nil {
			m.err = err
			continue
		}
		m.distinctOn = append(m.distinctOn, col)
	}
	return m
}

// Limit sets the LIMIT clause.
func (m *Model[T]) Limit(n int) *Model[T] {
	m.limit = n
	return m
}

// Offset sets the OFFSET clause.
func (m *Model[T]) Offset(n int) *Model[T] {
	m.offset = n
	return m
}

// Join adds an INNER JOIN clause.
func (m *Model[T]) Join(table, onLhs, onRhs string) *Model[T] {
	return m.addJoin("INNER", table, onLhs, onRhs)
}

// LeftJoin adds a LEFT JOIN clause.
func (m *Model[T]) LeftJoin(table, onLhs, onRhs string) *Model[T] {
	return m.addJoin("LEFT", table, onLhs, onRhs)
}

// RightJoin adds a RIGHT JOIN clause.
func (m *Model[T]) RightJoin(table, onLhs, onRhs string) *Model[T] {
	return m.addJoin("RIGHT", table, onLhs, onRhs)
}

func (m *Model[T]) addJoin(typ, table, onLhs, onRhs string) *Model[T] {
	for _, name := range []string{table, onLhs, onRhs} {
		if err := ValidateColumnName(name); err != nil {
			m.err = err
			return m
		}
	}
	m.joins = append(m.joins, typ+" JOIN "+table+" ON "+onLhs+" = "+onRhs)
	return m
}

// WithCTE attaches a named common table expression to the query.
// The query may be a raw SQL string or another *Model.
func (m *Model[T]) WithCTE(name string, query any) *Model[T] {
	if err := ValidateColumnName(name); err != nil {
		m.err = err
		return m
	}
	m.ctes = append(m.ctes, CTE{Name: name, Query: query})
	return m
}

// ForUpdate adds FOR UPDATE row locking to the query.
func (m *Model[T]) ForUpdate() *Model[T] {
	m.lockMode = "UPDATE"
	return m
}

// ForShare adds FOR SHARE row locking to the query.
func (m *Model[T]) ForShare() *Model[T] {
	m.lockMode = "SHARE"
	return m
}

// With requests eager loading of relations by name. Nested relations use dot
// notation ("Posts.Comments") and column restrictions use a colon suffix
// ("Posts:id,title").
func (m *Model[T]) With(relations ...string) *Model[T] {
	m.relations = append(m.relations, relations...)
	return m
}

// WithConstraint requests eager loading of a relation with a constraint
// applied to the batched relation query. The constraint applies at the path
// it is registered for, so "Posts.Comments" constrains the comments query.
func (m *Model[T]) WithConstraint(relation string, fn func(*ConstraintSet)) *Model[T] {
	m.relations = append(m.relations, relation)
	if m.relationCallbacks == nil {
		m.relationCallbacks = make(map[string]func(*ConstraintSet))
	}
	m.relationCallbacks[relation] = fn
	return m
}

// Scope applies registered local scopes by name, in order. Unknown scope
// names defer ErrScopeNotFound to execution time.
func (m *Model[T]) Scope(names ...string) *Model[T] {
	out := m
	for _, name := range names {
		fn, ok := m.registry.scopes.localScopeFor(m.modelInfo.Type, name)
		if !ok {
			m.err = WrapRelationError(name, m.modelInfo.Type.String(), ErrScopeNotFound)
			return m
		}
		typed, ok := fn.(func(*Model[T]) *Model[T])
		if !ok {
			m.err = WrapRelationError(name, m.modelInfo.Type.String(), ErrScopeNotFound)
			return m
		}
		out = typed(out)
	}
	return out
}

// WithoutGlobalScope disables named global scopes for this query.
// Disabling ScopeSoftDelete includes trashed rows.
func (m *Model[T]) WithoutGlobalScope(names ...string) *Model[T] {
	if m.withoutScopes == nil {
		m.withoutScopes = make(map[string]bool, len(names))
	}
	for _, name := range names {
		m.withoutScopes[name] = true
		if name == ScopeSoftDelete && m.trash == trashExclude {
			m.trash = trashWith
		}
	}
	return m
}

// WithoutGlobalScopes disables all global scopes, including the soft-delete
// scope, for this query.
func (m *Model[T]) WithoutGlobalScopes() *Model[T] {
	m.allScopesOff = true
	if m.trash == trashExclude {
		m.trash = trashWith
	}
	return m
}

// WithTrashed includes soft-deleted rows in the result.
func (m *Model[T]) WithTrashed() *Model[T] {
	m.trash = trashWith
	return m
}

// OnlyTrashed restricts the result to soft-deleted rows.
func (m *Model[T]) OnlyTrashed() *Model[T] {
	m.trash = trashOnly
	return m
}

// Raw replaces the built query with a raw SQL statement.
func (m *Model[T]) Raw(query string, args ...any) *Model[T] {
	m.rawQuery = query
	m.rawArgs = args
	return m
}
