package norm

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// RelationKind identifies the relationship type of a descriptor.
type RelationKind string

const (
	RelationHasOne        RelationKind = "hasOne"
	RelationHasMany       RelationKind = "hasMany"
	RelationBelongsTo     RelationKind = "belongsTo"
	RelationBelongsToMany RelationKind = "belongsToMany"
	RelationMorphTo       RelationKind = "morphTo"
	RelationMorphOne      RelationKind = "morphOne"
	RelationMorphMany     RelationKind = "morphMany"
)

// Relation is implemented by all relationship descriptors. Models expose
// relationships as value-receiver methods returning one of the descriptor
// types:
//
//	func (u User) PostsRelation() norm.HasMany[Post] {
//		return norm.HasMany[Post]{ForeignKey: "user_id"}
//	}
//
// The loaded results are assigned to the struct field matching the method
// name without the "Relation" suffix (Posts in the example above).
type Relation interface {
	Kind() RelationKind
	config() relationConfig
}

// relationConfig is the kind-neutral view of a descriptor used by the
// loaders. Zero fields fall back to conventional defaults at load time.
type relationConfig struct {
	kind       RelationKind
	related    reflect.Type
	foreignKey string
	localKey   string
	ownerKey   string
	table      string
	pivotTable string
	relatedKey string
	relatedPK  string
	timestamps bool
	typeColumn string
	idColumn   string
	typeValue  string
	typeMap    map[string]any
}

// HasOne declares a one-to-one relationship where the related table holds
// the foreign key. ForeignKey defaults to the singular parent table name
// plus "_id", LocalKey to the parent primary key.
type HasOne[R any] struct {
	ForeignKey string
	LocalKey   string
	Table      string
}

func (r HasOne[R]) Kind() RelationKind { return RelationHasOne }

func (r HasOne[R]) config() relationConfig {
	return relationConfig{
		kind:       RelationHasOne,
		related:    reflect.TypeOf((*R)(nil)).Elem(),
		foreignKey: r.ForeignKey,
		localKey:   r.LocalKey,
		table:      r.Table,
	}
}

// HasMany declares a one-to-many relationship where the related table holds
// the foreign key.
type HasMany[R any] struct {
	ForeignKey string
	LocalKey   string
	Table      string
}

func (r HasMany[R]) Kind() RelationKind { return RelationHasMany }

func (r HasMany[R]) config() relationConfig {
	return relationConfig{
		kind:       RelationHasMany,
		related:    reflect.TypeOf((*R)(nil)).Elem(),
		foreignKey: r.ForeignKey,
		localKey:   r.LocalKey,
		table:      r.Table,
	}
}

// BelongsTo declares the inverse of HasOne or HasMany: the parent table
// holds the foreign key. ForeignKey defaults to the singular related table
// name plus "_id", OwnerKey to the related primary key.
type BelongsTo[R any] struct {
	ForeignKey string
	OwnerKey   string
	Table      string
}

func (r BelongsTo[R]) Kind() RelationKind { return RelationBelongsTo }

func (r BelongsTo[R]) config() relationConfig {
	return relationConfig{
		kind:       RelationBelongsTo,
		related:    reflect.TypeOf((*R)(nil)).Elem(),
		foreignKey: r.ForeignKey,
		ownerKey:   r.OwnerKey,
		table:      r.Table,
	}
}

// BelongsToMany declares a many-to-many relationship through a pivot table.
// PivotTable defaults to the two singular table names sorted alphabetically
// and joined with an underscore. Timestamps enables created_at/updated_at
// maintenance on pivot rows.
type BelongsToMany[R any] struct {
	PivotTable string
	ForeignKey string
	RelatedKey string
	LocalKey   string
	RelatedPK  string
	Table      string
	Timestamps bool
}

func (r BelongsToMany[R]) Kind() RelationKind { return RelationBelongsToMany }

func (r BelongsToMany[R]) config() relationConfig {
	return relationConfig{
		kind:       RelationBelongsToMany,
		related:    reflect.TypeOf((*R)(nil)).Elem(),
		pivotTable: r.PivotTable,
		foreignKey: r.ForeignKey,
		relatedKey: r.RelatedKey,
		localKey:   r.LocalKey,
		relatedPK:  r.RelatedPK,
		table:      r.Table,
		timestamps: r.Timestamps,
	}
}

// MorphTo declares a polymorphic inverse relationship. Type and ID name the
// columns holding the morph alias and key, TypeMap maps each alias to a
// zero-value prototype of the concrete model:
//
//	func (i Image) OwnerRelation() norm.MorphTo[any] {
//		return norm.MorphTo[any]{
//			Type:    "imageable_type",
//			ID:      "imageable_id",
//			TypeMap: map[string]any{"users": User{}, "posts": Post{}},
//		}
//	}
type MorphTo[R any] struct {
	Type    string
	ID      string
	TypeMap map[string]any
}

func (r MorphTo[R]) Kind() RelationKind { return RelationMorphTo }

func (r MorphTo[R]) config() relationConfig {
	return relationConfig{
		kind:       RelationMorphTo,
		typeColumn: r.Type,
		idColumn:   r.ID,
		typeMap:    r.TypeMap,
	}
}

// MorphOne declares a polymorphic one-to-one relationship. TypeValue is the
// alias stored in the type column and defaults to the parent table name.
type MorphOne[R any] struct {
	Type      string
	ID        string
	TypeValue string
	Table     string
}

func (r MorphOne[R]) Kind() RelationKind { return RelationMorphOne }

func (r MorphOne[R]) config() relationConfig {
	return relationConfig{
		kind:       RelationMorphOne,
		related:    reflect.TypeOf((*R)(nil)).Elem(),
		typeColumn: r.Type,
		idColumn:   r.ID,
		typeValue:  r.TypeValue,
		table:      r.Table,
	}
}

// MorphMany declares a polymorphic one-to-many relationship.
type MorphMany[R any] struct {
	Type      string
	ID        string
	TypeValue string
	Table     string
}

func (r MorphMany[R]) Kind() RelationKind { return RelationMorphMany }

func (r MorphMany[R]) config() relationConfig {
	return relationConfig{
		kind:       RelationMorphMany,
		related:    reflect.TypeOf((*R)(nil)).Elem(),
		typeColumn: r.Type,
		idColumn:   r.ID,
		typeValue:  r.TypeValue,
		table:      r.Table,
	}
}

func singularTable(info *ModelInfo) string {
	return pluralizeClient.Singular(info.TableName)
}

func defaultPivotTable(a, b *ModelInfo) string {
	names := []string{singularTable(a), singularTable(b)}
	sort.Strings(names)
	return names[0] + "_" + names[1]
}

// relationGroup is one top-level relation with its requested columns and
// the nested paths hanging off it.
type relationGroup struct {
	name    string
	columns []string
	nested  []string
}

// parseRelationPaths groups dotted relation paths by their first segment.
// A segment may carry a column selection: "Posts:id,title,user_id".
func parseRelationPaths(paths []string) []*relationGroup {
	byName := make(map[string]*relationGroup)
	var order []string

	for _, p := range paths {
		if p == "" {
			continue
		}

		head, rest, _ := strings.Cut(p, ".")
		name, colSpec, _ := strings.Cut(head, ":")

		g, ok := byName[name]
		if !ok {
			g = &relationGroup{name: name}
			byName[name] = g
			order = append(order, name)
		}

		if colSpec != "" {
			for _, c := range strings.Split(colSpec, ",") {
				if c = strings.TrimSpace(c); c != "" {
					g.columns = append(g.columns, c)
				}
			}
		}

		if rest != "" {
			g.nested = append(g.nested, rest)
		}
	}

	groups := make([]*relationGroup, len(order))
	for i, name := range order {
		groups[i] = byName[name]
	}
	return groups
}

// resolveRelation calls the relation method named name on a zero value of
// typ and returns the descriptor.
func resolveRelation(info *ModelInfo, name string) (Relation, error) {
	idx, ok := info.RelationMethods[name]
	if !ok {
		return nil, WrapRelationError(name, info.Type.String(), ErrRelationNotFound)
	}

	method := info.Type.Method(idx)
	out := method.Func.Call([]reflect.Value{reflect.New(info.Type).Elem()})

	rel, ok := out[0].Interface().(Relation)
	if !ok {
		return nil, WrapRelationError(name, info.Type.String(), ErrInvalidRelation)
	}
	return rel, nil
}

// relationFieldName maps a relation method name to the target struct field.
func relationFieldName(info *ModelInfo, name string) string {
	if _, ok := info.Type.FieldByName(name); ok {
		return name
	}
	return strings.TrimSuffix(name, "Relation")
}

// loadRelations eager loads all relations requested through With onto the
// result set. Each relation costs one additional query regardless of the
// number of parents; nested paths recurse level by level.
func (m *Model[T]) loadRelations(ctx context.Context, results []*T) error {
	if len(m.relations) == 0 || len(results) == 0 {
		return nil
	}

	parents := make([]any, len(results))
	for i, r := range results {
		parents[i] = r
	}

	return m.loadRelationLevel(ctx, parents, m.modelInfo, m.relations, "")
}

// Load eager loads relations onto an already fetched entity.
func (m *Model[T]) Load(ctx context.Context, entity *T, relations ...string) error {
	if entity == nil {
		return ErrNilPointer
	}
	return m.loadRelationLevel(ctx, []any{entity}, m.modelInfo, relations, "")
}

// LoadSlice eager loads relations onto a slice of fetched entities with the
// same batching as With.
func (m *Model[T]) LoadSlice(ctx context.Context, entities []*T, relations ...string) error {
	if len(entities) == 0 {
		return nil
	}

	parents := make([]any, len(entities))
	for i, e := range entities {
		parents[i] = e
	}
	return m.loadRelationLevel(ctx, parents, m.modelInfo, relations, "")
}

func (m *Model[T]) loadRelationLevel(ctx context.Context, parents []any, info *ModelInfo, paths []string, prefix string) error {
	for _, g := range parseRelationPaths(paths) {
		if err := m.loadRelationGroup(ctx, parents, info, g, prefix); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model[T]) loadRelationGroup(ctx context.Context, parents []any, info *ModelInfo, g *relationGroup, prefix string) error {
	fullPath := g.name
	if prefix != "" {
		fullPath = prefix + "." + g.name
	}

	rel, err := resolveRelation(info, g.name)
	if err != nil {
		return err
	}
	cfg := rel.config()

	var cs *ConstraintSet
	if fn, ok := m.relationCallbacks[fullPath]; ok {
		cs = &ConstraintSet{}
		fn(cs)
	}

	fieldName := relationFieldName(info, g.name)

	var related []any
	var relatedInfo *ModelInfo

	switch cfg.kind {
	case RelationHasOne:
		related, relatedInfo, err = m.loadHasRelation(ctx, parents, info, cfg, cs, g.columns, fieldName, true)
	case RelationHasMany:
		related, relatedInfo, err = m.loadHasRelation(ctx, parents, info, cfg, cs, g.columns, fieldName, false)
	case RelationBelongsTo:
		related, relatedInfo, err = m.loadBelongsTo(ctx, parents, info, cfg, cs, g.columns, fieldName)
	case RelationBelongsToMany:
		related, relatedInfo, err = m.loadBelongsToMany(ctx, parents, info, cfg, cs, g.columns, fieldName)
	case RelationMorphOne:
		related, relatedInfo, err = m.loadMorphOneOrMany(ctx, parents, info, cfg, cs, g.columns, fieldName, true)
	case RelationMorphMany:
		related, relatedInfo, err = m.loadMorphOneOrMany(ctx, parents, info, cfg, cs, g.columns, fieldName, false)
	case RelationMorphTo:
		err = m.loadMorphTo(ctx, parents, info, cfg, fieldName, fullPath)
	default:
		err = WrapRelationError(g.name, info.Type.String(), ErrInvalidRelation)
	}
	if err != nil {
		return err
	}

	if len(g.nested) > 0 && len(related) > 0 && relatedInfo != nil {
		return m.loadRelationLevel(ctx, related, relatedInfo, g.nested, fullPath)
	}
	return nil
}

// collectKeys gathers distinct non-zero key values from entities by column.
func collectKeys(entities []any, info *ModelInfo, column string) ([]any, error) {
	field, ok := info.Columns[column]
	if !ok {
		return nil, fmt.Errorf("norm: column %s not found on %s", column, info.Type.Name())
	}

	seen := make(map[string]bool, len(entities))
	keys := make([]any, 0, len(entities))

	for _, e := range entities {
		val := reflect.ValueOf(e).Elem().FieldByIndex(field.Index)
		if val.IsZero() {
			continue
		}

		v := val.Interface()
		k := anyToKeyString(v)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, v)
		}
	}

	return keys, nil
}

// ensureColumns guarantees the key columns needed for partitioning are part
// of an explicit column selection. A nil selection means SELECT *.
func ensureColumns(cols []string, required ...string) ([]string, error) {
	if len(cols) == 0 {
		return nil, nil
	}

	for _, c := range cols {
		if err := ValidateColumnName(c); err != nil {
			return nil, err
		}
	}

	out := cols
	for _, req := range required {
		found := false
		for _, c := range out {
			if c == req {
				found = true
				break
			}
		}
		if !found {
			out = append(out, req)
		}
	}
	return out, nil
}

// loadRelationQuery runs the batched relation query: key IN (...), the
// related type's soft-delete filter and global scopes, plus any per-path
// constraints.
func (m *Model[T]) loadRelationQuery(ctx context.Context, relatedInfo *ModelInfo, table, keyColumn string, keys []any, cols []string, cs *ConstraintSet, extraWhere string, extraArgs []any) ([]any, error) {
	sb := GetStringBuilder()
	sb.WriteString("SELECT ")
	if len(cols) > 0 {
		sb.WriteString(strings.Join(cols, ", "))
	} else {
		sb.WriteByte('*')
	}
	sb.WriteString(" FROM ")
	sb.WriteString(table)
	sb.WriteString(" WHERE ")
	sb.WriteString(keyColumn)
	sb.WriteString(" IN (")
	writePlaceholdersWithSeparator(sb, len(keys), ", ")
	sb.WriteByte(')')

	args := make([]any, 0, len(keys)+len(extraArgs))
	args = append(args, keys...)

	if extraWhere != "" {
		sb.WriteString(" AND ")
		sb.WriteString(extraWhere)
		args = append(args, extraArgs...)
	}

	scoped := &ConstraintSet{}
	if relatedInfo.SoftDeletable() {
		scoped.WhereNull(relatedInfo.DeletedAt.Column)
	}
	for _, s := range m.registry.scopes.globalScopesFor(relatedInfo.Type) {
		s.fn(scoped)
	}
	if cs != nil {
		scoped.wheres = append(scoped.wheres, cs.wheres...)
		scoped.args = append(scoped.args, cs.args...)
		scoped.orderBys = append(scoped.orderBys, cs.orderBys...)
		if cs.limit > 0 {
			scoped.limit = cs.limit
		}
	}

	for _, w := range scoped.wheres {
		sb.WriteByte(' ')
		sb.WriteString(w)
	}
	args = append(args, scoped.args...)

	if len(scoped.orderBys) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(scoped.orderBys, ", "))
	}
	if scoped.limit > 0 {
		sb.WriteString(" LIMIT ")
		fmt.Fprintf(sb, "%d", scoped.limit)
	}

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	rows, err := m.runQuery(ctx, "SELECT", query, args, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRowsDynamic(rows, relatedInfo)
}

// assignRelated sets a parent's relation field to the loaded items. Slice
// fields always get a non-nil slice so empty relations read as loaded.
func assignRelated(parent any, fieldName string, items []any) {
	field := reflect.ValueOf(parent).Elem().FieldByName(fieldName)
	if !field.IsValid() || !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.Slice:
		elemType := field.Type().Elem()
		out := reflect.MakeSlice(field.Type(), 0, len(items))
		for _, item := range items {
			v := reflect.ValueOf(item)
			if v.Type().AssignableTo(elemType) {
				out = reflect.Append(out, v)
			} else if v.Kind() == reflect.Ptr && v.Elem().Type().AssignableTo(elemType) {
				out = reflect.Append(out, v.Elem())
			}
		}
		field.Set(out)

	case reflect.Ptr, reflect.Interface:
		if len(items) == 0 {
			return
		}
		v := reflect.ValueOf(items[0])
		if v.Type().AssignableTo(field.Type()) {
			field.Set(v)
		}

	case reflect.Struct:
		if len(items) == 0 {
			return
		}
		v := reflect.ValueOf(items[0])
		if v.Kind() == reflect.Ptr && v.Elem().Type().AssignableTo(field.Type()) {
			field.Set(v.Elem())
		}
	}
}

// partitionByColumn indexes related entities by the stringified value of a
// column. String keys avoid mismatches between driver integer widths.
func partitionByColumn(items []any, info *ModelInfo, column string) (map[string][]any, error) {
	field, ok := info.Columns[column]
	if !ok {
		return nil, fmt.Errorf("norm: column %s not found on %s", column, info.Type.Name())
	}

	out := make(map[string][]any, len(items))
	for _, item := range items {
		val := reflect.ValueOf(item).Elem().FieldByIndex(field.Index)
		k := anyToKeyString(val.Interface())
		out[k] = append(out[k], item)
	}
	return out, nil
}

func keyStringOf(entity any, info *ModelInfo, column string) (string, bool) {
	field, ok := info.Columns[column]
	if !ok {
		return "", false
	}
	val := reflect.ValueOf(entity).Elem().FieldByIndex(field.Index)
	if val.IsZero() {
		return "", false
	}
	return anyToKeyString(val.Interface()), true
}

// loadHasRelation loads HasOne and HasMany. The related table carries the
// foreign key; single selects the first match per parent.
func (m *Model[T]) loadHasRelation(ctx context.Context, parents []any, parentInfo *ModelInfo, cfg relationConfig, cs *ConstraintSet, cols []string, fieldName string, single bool) ([]any, *ModelInfo, error) {
	relatedInfo := ParseModelType(cfg.related)

	localKey := cfg.localKey
	if localKey == "" {
		localKey = parentInfo.PrimaryKey
	}
	foreignKey := cfg.foreignKey
	if foreignKey == "" {
		foreignKey = singularTable(parentInfo) + "_id"
	}
	table := cfg.table
	if table == "" {
		table = relatedInfo.TableName
	}

	keys, err := collectKeys(parents, parentInfo, localKey)
	if err != nil {
		return nil, nil, err
	}
	if len(keys) == 0 {
		for _, p := range parents {
			assignRelated(p, fieldName, nil)
		}
		return nil, relatedInfo, nil
	}

	cols, err = ensureColumns(cols, foreignKey, relatedInfo.PrimaryKey)
	if err != nil {
		return nil, nil, err
	}

	related, err := m.loadRelationQuery(ctx, relatedInfo, table, foreignKey, keys, cols, cs, "", nil)
	if err != nil {
		return nil, nil, WrapRelationError(fieldName, parentInfo.Type.String(), err)
	}

	byKey, err := partitionByColumn(related, relatedInfo, foreignKey)
	if err != nil {
		return nil, nil, err
	}

	for _, p := range parents {
		k, ok := keyStringOf(p, parentInfo, localKey)
		if !ok {
			assignRelated(p, fieldName, nil)
			continue
		}
		items := byKey[k]
		if single && len(items) > 1 {
			items = items[:1]
		}
		assignRelated(p, fieldName, items)
	}

	return related, relatedInfo, nil
}

// loadBelongsTo loads the inverse relationship: the parent carries the
// foreign key.
func (m *Model[T]) loadBelongsTo(ctx context.Context, parents []any, parentInfo *ModelInfo, cfg relationConfig, cs *ConstraintSet, cols []string, fieldName string) ([]any, *ModelInfo, error) {
	relatedInfo := ParseModelType(cfg.related)

	ownerKey := cfg.ownerKey
	if ownerKey == "" {
		ownerKey = relatedInfo.PrimaryKey
	}
	foreignKey := cfg.foreignKey
	if foreignKey == "" {
		foreignKey = singularTable(relatedInfo) + "_id"
	}
	table := cfg.table
	if table == "" {
		table = relatedInfo.TableName
	}

	keys, err := collectKeys(parents, parentInfo, foreignKey)
	if err != nil {
		return nil, nil, err
	}
	if len(keys) == 0 {
		return nil, relatedInfo, nil
	}

	cols, err = ensureColumns(cols, ownerKey)
	if err != nil {
		return nil, nil, err
	}

	related, err := m.loadRelationQuery(ctx, relatedInfo, table, ownerKey, keys, cols, cs, "", nil)
	if err != nil {
		return nil, nil, WrapRelationError(fieldName, parentInfo.Type.String(), err)
	}

	byKey, err := partitionByColumn(related, relatedInfo, ownerKey)
	if err != nil {
		return nil, nil, err
	}

	for _, p := range parents {
		k, ok := keyStringOf(p, parentInfo, foreignKey)
		if !ok {
			continue
		}
		if items := byKey[k]; len(items) > 0 {
			assignRelated(p, fieldName, items[:1])
		}
	}

	return related, relatedInfo, nil
}

// pivotPair couples the parent and related key values of one pivot row.
type pivotPair struct {
	parentKey  string
	relatedKey any
}

// loadBelongsToMany loads a many-to-many relationship in two queries: one
// over the pivot table, one over the related table.
func (m *Model[T]) loadBelongsToMany(ctx context.Context, parents []any, parentInfo *ModelInfo, cfg relationConfig, cs *ConstraintSet, cols []string, fieldName string) ([]any, *ModelInfo, error) {
	relatedInfo := ParseModelType(cfg.related)

	cfg = resolvePivotDefaults(cfg, parentInfo, relatedInfo)

	keys, err := collectKeys(parents, parentInfo, cfg.localKey)
	if err != nil {
		return nil, nil, err
	}
	if len(keys) == 0 {
		for _, p := range parents {
			assignRelated(p, fieldName, nil)
		}
		return nil, relatedInfo, nil
	}

	sb := GetStringBuilder()
	sb.WriteString("SELECT ")
	sb.WriteString(cfg.foreignKey)
	sb.WriteString(", ")
	sb.WriteString(cfg.relatedKey)
	sb.WriteString(" FROM ")
	sb.WriteString(cfg.pivotTable)
	sb.WriteString(" WHERE ")
	sb.WriteString(cfg.foreignKey)
	sb.WriteString(" IN (")
	writePlaceholdersWithSeparator(sb, len(keys), ", ")
	sb.WriteByte(')')

	pivotQuery := strings.Clone(sb.String())
	PutStringBuilder(sb)

	rows, err := m.runQuery(ctx, "SELECT", pivotQuery, keys, false)
	if err != nil {
		return nil, nil, WrapRelationError(fieldName, parentInfo.Type.String(), err)
	}

	var pairs []pivotPair
	relatedIDSeen := make(map[string]bool)
	var relatedIDs []any

	for rows.Next() {
		var pk, rk any
		if err := rows.Scan(&pk, &rk); err != nil {
			rows.Close()
			return nil, nil, err
		}
		pairs = append(pairs, pivotPair{parentKey: anyToKeyString(pk), relatedKey: rk})

		rks := anyToKeyString(rk)
		if !relatedIDSeen[rks] {
			relatedIDSeen[rks] = true
			relatedIDs = append(relatedIDs, rk)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()

	if len(relatedIDs) == 0 {
		for _, p := range parents {
			assignRelated(p, fieldName, nil)
		}
		return nil, relatedInfo, nil
	}

	cols, err = ensureColumns(cols, cfg.relatedPK)
	if err != nil {
		return nil, nil, err
	}

	related, err := m.loadRelationQuery(ctx, relatedInfo, cfg.table, cfg.relatedPK, relatedIDs, cols, cs, "", nil)
	if err != nil {
		return nil, nil, WrapRelationError(fieldName, parentInfo.Type.String(), err)
	}

	relatedByPK := make(map[string]any, len(related))
	pkField := relatedInfo.Columns[cfg.relatedPK]
	if pkField == nil {
		return nil, nil, fmt.Errorf("norm: column %s not found on %s", cfg.relatedPK, relatedInfo.Type.Name())
	}
	for _, item := range related {
		val := reflect.ValueOf(item).Elem().FieldByIndex(pkField.Index)
		relatedByPK[anyToKeyString(val.Interface())] = item
	}

	byParent := make(map[string][]any)
	for _, pair := range pairs {
		if item, ok := relatedByPK[anyToKeyString(pair.relatedKey)]; ok {
			byParent[pair.parentKey] = append(byParent[pair.parentKey], item)
		}
	}

	for _, p := range parents {
		k, ok := keyStringOf(p, parentInfo, cfg.localKey)
		if !ok {
			assignRelated(p, fieldName, nil)
			continue
		}
		assignRelated(p, fieldName, byParent[k])
	}

	return related, relatedInfo, nil
}

func resolvePivotDefaults(cfg relationConfig, parentInfo, relatedInfo *ModelInfo) relationConfig {
	if cfg.localKey == "" {
		cfg.localKey = parentInfo.PrimaryKey
	}
	if cfg.relatedPK == "" {
		cfg.relatedPK = relatedInfo.PrimaryKey
	}
	if cfg.pivotTable == "" {
		cfg.pivotTable = defaultPivotTable(parentInfo, relatedInfo)
	}
	if cfg.foreignKey == "" {
		cfg.foreignKey = singularTable(parentInfo) + "_id"
	}
	if cfg.relatedKey == "" {
		cfg.relatedKey = singularTable(relatedInfo) + "_id"
	}
	if cfg.table == "" {
		cfg.table = relatedInfo.TableName
	}
	return cfg
}

// loadMorphOneOrMany loads a polymorphic has relationship filtered by the
// parent's morph alias.
func (m *Model[T]) loadMorphOneOrMany(ctx context.Context, parents []any, parentInfo *ModelInfo, cfg relationConfig, cs *ConstraintSet, cols []string, fieldName string, single bool) ([]any, *ModelInfo, error) {
	if cfg.typeColumn == "" || cfg.idColumn == "" {
		return nil, nil, WrapRelationError(fieldName, parentInfo.Type.String(), ErrInvalidRelation)
	}

	relatedInfo := ParseModelType(cfg.related)

	typeValue := cfg.typeValue
	if typeValue == "" {
		typeValue = parentInfo.TableName
	}
	table := cfg.table
	if table == "" {
		table = relatedInfo.TableName
	}

	keys, err := collectKeys(parents, parentInfo, parentInfo.PrimaryKey)
	if err != nil {
		return nil, nil, err
	}
	if len(keys) == 0 {
		for _, p := range parents {
			assignRelated(p, fieldName, nil)
		}
		return nil, relatedInfo, nil
	}

	cols, err = ensureColumns(cols, cfg.idColumn, relatedInfo.PrimaryKey)
	if err != nil {
		return nil, nil, err
	}

	related, err := m.loadRelationQuery(ctx, relatedInfo, table, cfg.idColumn, keys, cols, cs, cfg.typeColumn+" = ?", []any{typeValue})
	if err != nil {
		return nil, nil, WrapRelationError(fieldName, parentInfo.Type.String(), err)
	}

	byKey, err := partitionByColumn(related, relatedInfo, cfg.idColumn)
	if err != nil {
		return nil, nil, err
	}

	for _, p := range parents {
		k, ok := keyStringOf(p, parentInfo, parentInfo.PrimaryKey)
		if !ok {
			assignRelated(p, fieldName, nil)
			continue
		}
		items := byKey[k]
		if single && len(items) > 1 {
			items = items[:1]
		}
		assignRelated(p, fieldName, items)
	}

	return related, relatedInfo, nil
}

// loadMorphTo loads a polymorphic inverse: parents are grouped by their
// alias and each concrete type is fetched in its own batched query. Column
// selections per alias come from WithMorph.
func (m *Model[T]) loadMorphTo(ctx context.Context, parents []any, parentInfo *ModelInfo, cfg relationConfig, fieldName, fullPath string) error {
	if cfg.typeColumn == "" || cfg.idColumn == "" || len(cfg.typeMap) == 0 {
		return WrapRelationError(fieldName, parentInfo.Type.String(), ErrInvalidRelation)
	}

	typeField, ok := parentInfo.Columns[cfg.typeColumn]
	if !ok {
		return fmt.Errorf("norm: column %s not found on %s", cfg.typeColumn, parentInfo.Type.Name())
	}
	idField, ok := parentInfo.Columns[cfg.idColumn]
	if !ok {
		return fmt.Errorf("norm: column %s not found on %s", cfg.idColumn, parentInfo.Type.Name())
	}

	byAlias := make(map[string][]any)
	for _, p := range parents {
		val := reflect.ValueOf(p).Elem()
		alias, _ := val.FieldByIndex(typeField.Index).Interface().(string)
		if alias == "" || val.FieldByIndex(idField.Index).IsZero() {
			continue
		}
		byAlias[alias] = append(byAlias[alias], p)
	}

	morphCols := m.morphRelations[fullPath]

	for alias, group := range byAlias {
		proto, ok := cfg.typeMap[alias]
		if !ok {
			continue
		}

		protoType := reflect.TypeOf(proto)
		if protoType.Kind() == reflect.Ptr {
			protoType = protoType.Elem()
		}

		relatedInfo := ParseModelType(protoType)

		keys, err := collectKeys(group, parentInfo, cfg.idColumn)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			continue
		}

		cols, err := ensureColumns(morphCols[alias], relatedInfo.PrimaryKey)
		if err != nil {
			return err
		}

		related, err := m.loadRelationQuery(ctx, relatedInfo, relatedInfo.TableName, relatedInfo.PrimaryKey, keys, cols, nil, "", nil)
		if err != nil {
			return WrapRelationError(fieldName, parentInfo.Type.String(), err)
		}

		byKey, err := partitionByColumn(related, relatedInfo, relatedInfo.PrimaryKey)
		if err != nil {
			return err
		}

		for _, p := range group {
			k, ok := keyStringOf(p, parentInfo, cfg.idColumn)
			if !ok {
				continue
			}
			if items := byKey[k]; len(items) > 0 {
				assignRelated(p, fieldName, items[:1])
			}
		}
	}

	return nil
}

// WithMorph selects columns per concrete type when eager loading a MorphTo
// relation. typeColumns maps each morph alias to the columns to fetch.
func (m *Model[T]) WithMorph(relation string, typeColumns map[string][]string) *Model[T] {
	if m.morphRelations == nil {
		m.morphRelations = make(map[string]map[string][]string)
	}
	m.morphRelations[relation] = typeColumns
	m.relations = append(m.relations, relation)
	return m
}

// resolveManyToMany resolves a named relation to its many-to-many config.
func (m *Model[T]) resolveManyToMany(relationName string) (relationConfig, *ModelInfo, error) {
	rel, err := resolveRelation(m.modelInfo, relationName)
	if err != nil {
		return relationConfig{}, nil, err
	}

	cfg := rel.config()
	if cfg.kind != RelationBelongsToMany {
		return relationConfig{}, nil, WrapRelationError(relationName, m.modelInfo.Type.String(), ErrInvalidRelation)
	}

	relatedInfo := ParseModelType(cfg.related)

	cfg = resolvePivotDefaults(cfg, m.modelInfo, relatedInfo)

	if err := ValidateColumnName(cfg.pivotTable); err != nil {
		return relationConfig{}, nil, err
	}
	if err := ValidateColumnName(cfg.foreignKey); err != nil {
		return relationConfig{}, nil, err
	}
	if err := ValidateColumnName(cfg.relatedKey); err != nil {
		return relationConfig{}, nil, err
	}

	return cfg, relatedInfo, nil
}

func (m *Model[T]) parentKeyValue(entity *T, column string) (any, error) {
	field, ok := m.modelInfo.Columns[column]
	if !ok {
		return nil, fmt.Errorf("norm: column %s not found on %s", column, m.modelInfo.Type.Name())
	}

	val := reflect.ValueOf(entity).Elem().FieldByIndex(field.Index)
	if val.IsZero() {
		return nil, fmt.Errorf("norm: entity has zero %s, save it before touching pivot rows", column)
	}
	return val.Interface(), nil
}

// Attach inserts pivot rows linking the entity to the given related ids.
// pivotData supplies extra pivot columns applied to every row; enabling
// Timestamps on the descriptor also stamps created_at and updated_at.
func (m *Model[T]) Attach(ctx context.Context, entity *T, relationName string, ids []any, pivotData map[string]any) error {
	if entity == nil {
		return ErrNilPointer
	}
	if len(ids) == 0 {
		return nil
	}

	cfg, _, err := m.resolveManyToMany(relationName)
	if err != nil {
		return err
	}

	parentKey, err := m.parentKeyValue(entity, cfg.localKey)
	if err != nil {
		return err
	}

	columns := []string{cfg.foreignKey, cfg.relatedKey}

	extraCols := make([]string, 0, len(pivotData))
	for k := range pivotData {
		if err := ValidateColumnName(k); err != nil {
			return err
		}
		extraCols = append(extraCols, k)
	}
	sort.Strings(extraCols)
	columns = append(columns, extraCols...)

	var now time.Time
	if cfg.timestamps {
		now = time.Now()
		columns = append(columns, "created_at", "updated_at")
	}

	sb := GetStringBuilder()
	sb.WriteString("INSERT INTO ")
	sb.WriteString(cfg.pivotTable)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(ids)*len(columns))
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		writePlaceholdersWithSeparator(sb, len(columns), ", ")
		sb.WriteByte(')')

		args = append(args, parentKey, id)
		for _, k := range extraCols {
			args = append(args, pivotData[k])
		}
		if cfg.timestamps {
			args = append(args, now, now)
		}
	}

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	_, err = m.runExec(ctx, "INSERT", query, args)
	return err
}

// Detach removes pivot rows for the given related ids, or all pivot rows of
// the entity when no ids are given.
func (m *Model[T]) Detach(ctx context.Context, entity *T, relationName string, ids ...any) error {
	if entity == nil {
		return ErrNilPointer
	}

	cfg, _, err := m.resolveManyToMany(relationName)
	if err != nil {
		return err
	}

	parentKey, err := m.parentKeyValue(entity, cfg.localKey)
	if err != nil {
		return err
	}

	sb := GetStringBuilder()
	sb.WriteString("DELETE FROM ")
	sb.WriteString(cfg.pivotTable)
	sb.WriteString(" WHERE ")
	sb.WriteString(cfg.foreignKey)
	sb.WriteString(" = ?")

	args := make([]any, 0, len(ids)+1)
	args = append(args, parentKey)

	if len(ids) > 0 {
		sb.WriteString(" AND ")
		sb.WriteString(cfg.relatedKey)
		sb.WriteString(" IN (")
		writePlaceholdersWithSeparator(sb, len(ids), ", ")
		sb.WriteByte(')')
		args = append(args, ids...)
	}

	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	_, err = m.runExec(ctx, "DELETE", query, args)
	return err
}

// currentPivotIDs fetches the related key values currently attached to the
// entity.
func (m *Model[T]) currentPivotIDs(ctx context.Context, cfg relationConfig, parentKey any) ([]any, error) {
	query := "SELECT " + cfg.relatedKey + " FROM " + cfg.pivotTable + " WHERE " + cfg.foreignKey + " = ?"

	rows, err := m.runQuery(ctx, "SELECT", query, []any{parentKey}, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Sync makes the pivot table contain exactly the given ids: missing ids are
// attached, ids not in the list are detached, existing ids are untouched.
func (m *Model[T]) Sync(ctx context.Context, entity *T, relationName string, ids []any) error {
	return m.syncPivot(ctx, entity, relationName, ids, true)
}

// SyncWithoutDetaching attaches the given ids that are not yet present
// without removing any existing pivot rows.
func (m *Model[T]) SyncWithoutDetaching(ctx context.Context, entity *T, relationName string, ids []any) error {
	return m.syncPivot(ctx, entity, relationName, ids, false)
}

func (m *Model[T]) syncPivot(ctx context.Context, entity *T, relationName string, ids []any, detach bool) error {
	if entity == nil {
		return ErrNilPointer
	}

	cfg, _, err := m.resolveManyToMany(relationName)
	if err != nil {
		return err
	}

	parentKey, err := m.parentKeyValue(entity, cfg.localKey)
	if err != nil {
		return err
	}

	current, err := m.currentPivotIDs(ctx, cfg, parentKey)
	if err != nil {
		return err
	}

	currentSet := make(map[string]bool, len(current))
	for _, id := range current {
		currentSet[anyToKeyString(id)] = true
	}

	desiredSet := make(map[string]bool, len(ids))
	var toAttach []any
	for _, id := range ids {
		k := anyToKeyString(id)
		desiredSet[k] = true
		if !currentSet[k] {
			toAttach = append(toAttach, id)
		}
	}

	if detach {
		var toDetach []any
		for _, id := range current {
			if !desiredSet[anyToKeyString(id)] {
				toDetach = append(toDetach, id)
			}
		}
		if len(toDetach) > 0 {
			if err := m.Detach(ctx, entity, relationName, toDetach...); err != nil {
				return err
			}
		}
	}

	if len(toAttach) > 0 {
		return m.Attach(ctx, entity, relationName, toAttach, nil)
	}
	return nil
}

// Toggle attaches the given ids that are missing and detaches those that are
// present.
func (m *Model[T]) Toggle(ctx context.Context, entity *T, relationName string, ids []any) error {
	if entity == nil {
		return ErrNilPointer
	}

	cfg, _, err := m.resolveManyToMany(relationName)
	if err != nil {
		return err
	}

	parentKey, err := m.parentKeyValue(entity, cfg.localKey)
	if err != nil {
		return err
	}

	current, err := m.currentPivotIDs(ctx, cfg, parentKey)
	if err != nil {
		return err
	}

	currentSet := make(map[string]bool, len(current))
	for _, id := range current {
		currentSet[anyToKeyString(id)] = true
	}

	var toAttach, toDetach []any
	for _, id := range ids {
		if currentSet[anyToKeyString(id)] {
			toDetach = append(toDetach, id)
		} else {
			toAttach = append(toAttach, id)
		}
	}

	if len(toDetach) > 0 {
		if err := m.Detach(ctx, entity, relationName, toDetach...); err != nil {
			return err
		}
	}
	if len(toAttach) > 0 {
		return m.Attach(ctx, entity, relationName, toAttach, nil)
	}
	return nil
}

// Associate sets the foreign key and relation field of a BelongsTo
// relationship on the child, in memory only. Persist with Update.
func (m *Model[T]) Associate(entity *T, relationName string, owner any) error {
	if entity == nil || owner == nil {
		return ErrNilPointer
	}

	rel, err := resolveRelation(m.modelInfo, relationName)
	if err != nil {
		return err
	}

	cfg := rel.config()
	if cfg.kind != RelationBelongsTo {
		return WrapRelationError(relationName, m.modelInfo.Type.String(), ErrInvalidRelation)
	}

	relatedInfo := ParseModelType(cfg.related)

	ownerKey := cfg.ownerKey
	if ownerKey == "" {
		ownerKey = relatedInfo.PrimaryKey
	}
	foreignKey := cfg.foreignKey
	if foreignKey == "" {
		foreignKey = singularTable(relatedInfo) + "_id"
	}

	ownerVal := reflect.ValueOf(owner)
	if ownerVal.Kind() != reflect.Ptr || ownerVal.IsNil() {
		return ErrNilPointer
	}
	if ownerVal.Elem().Type() != relatedInfo.Type {
		return WrapRelationError(relationName, m.modelInfo.Type.String(), ErrInvalidRelation)
	}

	ownerField, ok := relatedInfo.Columns[ownerKey]
	if !ok {
		return fmt.Errorf("norm: column %s not found on %s", ownerKey, relatedInfo.Type.Name())
	}
	fkField, ok := m.modelInfo.Columns[foreignKey]
	if !ok {
		return fmt.Errorf("norm: column %s not found on %s", foreignKey, m.modelInfo.Type.Name())
	}

	entityVal := reflect.ValueOf(entity).Elem()
	keyVal := ownerVal.Elem().FieldByIndex(ownerField.Index)

	if err := setFieldValue(entityVal.FieldByIndex(fkField.Index), keyVal.Interface()); err != nil {
		return err
	}

	assignRelated(entity, relationFieldName(m.modelInfo, relationName), []any{owner})
	return nil
}

// Dissociate clears the foreign key and relation field of a BelongsTo
// relationship on the child, in memory only.
func (m *Model[T]) Dissociate(entity *T, relationName string) error {
	if entity == nil {
		return ErrNilPointer
	}

	rel, err := resolveRelation(m.modelInfo, relationName)
	if err != nil {
		return err
	}

	cfg := rel.config()
	if cfg.kind != RelationBelongsTo {
		return WrapRelationError(relationName, m.modelInfo.Type.String(), ErrInvalidRelation)
	}

	relatedInfo := ParseModelType(cfg.related)

	foreignKey := cfg.foreignKey
	if foreignKey == "" {
		foreignKey = singularTable(relatedInfo) + "_id"
	}

	fkField, ok := m.modelInfo.Columns[foreignKey]
	if !ok {
		return fmt.Errorf("norm: column %s not found on %s", foreignKey, m.modelInfo.Type.Name())
	}

	entityVal := reflect.ValueOf(entity).Elem()
	fv := entityVal.FieldByIndex(fkField.Index)
	if fv.CanSet() {
		fv.Set(reflect.Zero(fv.Type()))
	}

	fieldName := relationFieldName(m.modelInfo, relationName)
	relField := entityVal.FieldByName(fieldName)
	if relField.IsValid() && relField.CanSet() {
		relField.Set(reflect.Zero(relField.Type()))
	}
	return nil
}
