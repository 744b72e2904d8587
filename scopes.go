package norm

import (
	"reflect"
	"strings"
	"sync"
)

// ScopeSoftDelete is the name of the implicit global scope that hides
// soft-deleted records. It can be disabled per query with
// WithoutGlobalScope(ScopeSoftDelete).
const ScopeSoftDelete = "soft_delete"

// Registry owns query scopes, model event listeners, and query hooks.
// A package-level default registry backs New; applications embedding several
// isolated model sets can create their own with NewRegistry and attach it via
// WithRegistry.
type Registry struct {
	scopes *ScopeRegistry
	events *EventRegistry

	hookMu sync.RWMutex
	hooks  []QueryHook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		scopes: newScopeRegistry(),
		events: newEventRegistry(),
	}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the package-level registry used by New.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// AddQueryHook registers a hook invoked after every executed query.
func (r *Registry) AddQueryHook(h QueryHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, h)
}

// ClearQueryHooks removes all registered query hooks.
func (r *Registry) ClearQueryHooks() {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = nil
}

func (r *Registry) fireQueryHooks(info QueryInfo) {
	r.hookMu.RLock()
	hooks := r.hooks
	r.hookMu.RUnlock()

	for _, h := range hooks {
		h(info)
	}
}

// ConstraintSet collects WHERE fragments, arguments, and ordering that a
// scope or relation constraint contributes to a query. It deliberately has no
// access to the base query, so constraints compose without clobbering the
// builder state they attach to.
type ConstraintSet struct {
	wheres   []string
	args     []any
	orderBys []string
	limit    int
}

// NewConstraintSet creates an empty constraint set.
func NewConstraintSet() *ConstraintSet {
	return &ConstraintSet{}
}

// Where adds a condition. Supported forms:
//
//	Where("column", value)            -> AND column = ?
//	Where("column", ">", value)       -> AND column > ?
//	Where("raw expr ?", arg1, arg2)   -> AND raw expr ?
func (c *ConstraintSet) Where(query string, args ...any) *ConstraintSet {
	switch len(args) {
	case 0:
		c.wheres = append(c.wheres, "AND "+query)
	case 1:
		if err := ValidateColumnName(query); err != nil {
			// Raw fragment with a single argument
			c.wheres = append(c.wheres, "AND "+query)
			c.args = append(c.args, args[0])
			return c
		}
		c.wheres = append(c.wheres, "AND "+query+" = ?")
		c.args = append(c.args, args[0])
	case 2:
		if op, ok := args[0].(string); ok && ValidateColumnName(query) == nil {
			c.wheres = append(c.wheres, "AND "+query+" "+op+" ?")
			c.args = append(c.args, args[1])
			return c
		}
		c.wheres = append(c.wheres, "AND "+query)
		c.args = append(c.args, args...)
	default:
		c.wheres = append(c.wheres, "AND "+query)
		c.args = append(c.args, args...)
	}
	return c
}

// WhereIn adds a column IN (...) condition. An empty value list produces a
// condition that matches nothing.
func (c *ConstraintSet) WhereIn(column string, values []any) *ConstraintSet {
	if err := ValidateColumnName(column); err != nil {
		return c
	}
	if len(values) == 0 {
		c.wheres = append(c.wheres, "AND 1=0")
		return c
	}

	sb := GetStringBuilder()
	sb.WriteString("AND ")
	sb.WriteString(column)
	sb.WriteString(" IN (")
	writePlaceholdersWithSeparator(sb, len(values), ", ")
	sb.WriteByte(')')
	c.wheres = append(c.wheres, strings.Clone(sb.String()))
	PutStringBuilder(sb)

	c.args = append(c.args, values...)
	return c
}

// WhereNull adds a column IS NULL condition.
func (c *ConstraintSet) WhereNull(column string) *ConstraintSet {
	if err := ValidateColumnName(column); err == nil {
		c.wheres = append(c.wheres, "AND "+column+" IS NULL")
	}
	return c
}

// WhereNotNull adds a column IS NOT NULL condition.
func (c *ConstraintSet) WhereNotNull(column string) *ConstraintSet {
	if err := ValidateColumnName(column); err == nil {
		c.wheres = append(c.wheres, "AND "+column+" IS NOT NULL")
	}
	return c
}

// OrderBy adds an ORDER BY column.
func (c *ConstraintSet) OrderBy(column, direction string) *ConstraintSet {
	if err := ValidateColumnName(column); err != nil {
		return c
	}
	dir := strings.ToUpper(strings.TrimSpace(direction))
	if dir != "ASC" && dir != "DESC" {
		dir = "ASC"
	}
	c.orderBys = append(c.orderBys, column+" "+dir)
	return c
}

// Limit caps the number of rows the constrained query returns.
func (c *ConstraintSet) Limit(n int) *ConstraintSet {
	c.limit = n
	return c
}

// namedScope pairs a registered scope with its name so queries can opt out
// of individual scopes.
type namedScope struct {
	name string
	fn   func(*ConstraintSet)
}

// ScopeRegistry stores global scopes (applied to every query for a type) and
// named local scopes (applied on demand via Model.Scope).
type ScopeRegistry struct {
	mu     sync.RWMutex
	global map[reflect.Type][]namedScope
	local  map[reflect.Type]map[string]any
}

func newScopeRegistry() *ScopeRegistry {
	return &ScopeRegistry{
		global: make(map[reflect.Type][]namedScope),
		local:  make(map[reflect.Type]map[string]any),
	}
}

func modelTypeOf[T any]() reflect.Type {
	var t T
	typ := reflect.TypeOf(t)
	if typ == nil {
		panic("norm: model type must be a struct")
	}
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	return typ
}

// RegisterGlobalScope registers a constraint applied to every query for T
// built against the registry. Scopes apply in registration order, after the
// query's own conditions.
func RegisterGlobalScope[T any](reg *Registry, name string, fn func(*ConstraintSet)) {
	typ := modelTypeOf[T]()
	sr := reg.scopes

	sr.mu.Lock()
	defer sr.mu.Unlock()

	// Re-registering a name replaces the old scope in place
	for i, s := range sr.global[typ] {
		if s.name == name {
			sr.global[typ][i].fn = fn
			return
		}
	}
	sr.global[typ] = append(sr.global[typ], namedScope{name: name, fn: fn})
}

// RemoveGlobalScope removes a previously registered global scope.
func RemoveGlobalScope[T any](reg *Registry, name string) {
	typ := modelTypeOf[T]()
	sr := reg.scopes

	sr.mu.Lock()
	defer sr.mu.Unlock()

	scopes := sr.global[typ]
	for i, s := range scopes {
		if s.name == name {
			sr.global[typ] = append(scopes[:i:i], scopes[i+1:]...)
			return
		}
	}
}

// globalScopesFor returns a snapshot of the global scopes for a type.
func (sr *ScopeRegistry) globalScopesFor(typ reflect.Type) []namedScope {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.global[typ]
}

// RegisterScope registers a named local scope for T. Local scopes are full
// builder transformations and only apply when requested with Model.Scope.
func RegisterScope[T any](reg *Registry, name string, fn func(*Model[T]) *Model[T]) {
	typ := modelTypeOf[T]()
	sr := reg.scopes

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.local[typ] == nil {
		sr.local[typ] = make(map[string]any)
	}
	sr.local[typ][name] = fn
}

func (sr *ScopeRegistry) localScopeFor(typ reflect.Type, name string) (any, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	fn, ok := sr.local[typ][name]
	return fn, ok
}
