package norm

import (
	"context"
	"reflect"
	"sync"
)

// originalsStore keeps a snapshot of column values per tracked entity,
// keyed on the entity pointer. Entries are removed by ClearOriginals; the
// caller owns the entity lifetime.
var originalsStore sync.Map

func snapshot(val reflect.Value, info *ModelInfo) map[string]any {
	originals := make(map[string]any, len(info.Fields))
	for _, field := range info.Fields {
		originals[field.Column] = val.FieldByIndex(field.Index).Interface()
	}
	return originals
}

// TrackOriginals snapshots the entity's current column values so later
// modifications can be detected. Called automatically when entities are
// scanned from the database or created.
func TrackOriginals[T any](entity *T, info *ModelInfo) {
	if entity == nil {
		return
	}
	originalsStore.Store(entity, snapshot(reflect.ValueOf(entity).Elem(), info))
}

// SyncOriginals re-snapshots the entity, marking it clean. Called after a
// successful update.
func SyncOriginals[T any](entity *T, info *ModelInfo) {
	TrackOriginals(entity, info)
}

// ClearOriginals drops the tracking entry for the entity.
func ClearOriginals[T any](entity *T) {
	if entity == nil {
		return
	}
	originalsStore.Delete(entity)
}

// IsTracked reports whether the entity has a tracked snapshot.
func IsTracked[T any](entity *T) bool {
	if entity == nil {
		return false
	}
	_, ok := originalsStore.Load(entity)
	return ok
}

// GetOriginals returns a copy of the tracked snapshot, or nil when the
// entity is untracked.
func GetOriginals[T any](entity *T) map[string]any {
	if entity == nil {
		return nil
	}
	stored, ok := originalsStore.Load(entity)
	if !ok {
		return nil
	}

	originals := stored.(map[string]any)
	out := make(map[string]any, len(originals))
	for k, v := range originals {
		out[k] = v
	}
	return out
}

// GetOriginal returns the tracked value of a single column.
func GetOriginal[T any](entity *T, column string) (any, bool) {
	if entity == nil {
		return nil, false
	}
	stored, ok := originalsStore.Load(entity)
	if !ok {
		return nil, false
	}
	v, ok := stored.(map[string]any)[column]
	return v, ok
}

// GetDirty returns the columns whose current values differ from the tracked
// snapshot, mapped to their current values. An untracked entity is treated
// as fully dirty.
func GetDirty[T any](entity *T, info *ModelInfo) map[string]any {
	if entity == nil {
		return nil
	}

	val := reflect.ValueOf(entity).Elem()

	stored, ok := originalsStore.Load(entity)
	if !ok {
		return snapshot(val, info)
	}
	originals := stored.(map[string]any)

	dirty := make(map[string]any)
	for _, field := range info.Fields {
		current := val.FieldByIndex(field.Index).Interface()
		if !compareIDs(current, originals[field.Column]) {
			dirty[field.Column] = current
		}
	}
	return dirty
}

// IsDirty reports whether any column differs from the tracked snapshot.
func IsDirty[T any](entity *T, info *ModelInfo) bool {
	return len(GetDirty(entity, info)) > 0
}

// IsClean reports whether no column differs from the tracked snapshot.
func IsClean[T any](entity *T, info *ModelInfo) bool {
	return !IsDirty(entity, info)
}

// Dirty returns the modified columns of the entity.
func (m *Model[T]) Dirty(entity *T) map[string]any {
	return GetDirty(entity, m.modelInfo)
}

// IsDirty reports whether the entity has unsaved modifications.
func (m *Model[T]) IsDirty(entity *T) bool {
	return IsDirty(entity, m.modelInfo)
}

// IsClean reports whether the entity matches its tracked snapshot.
func (m *Model[T]) IsClean(entity *T) bool {
	return IsClean(entity, m.modelInfo)
}

// Original returns the tracked value of a column on the entity.
func (m *Model[T]) Original(entity *T, column string) (any, bool) {
	return GetOriginal(entity, column)
}

// SaveDirty updates only the modified columns of the entity. A clean entity
// is a no-op.
func (m *Model[T]) SaveDirty(ctx context.Context, entity *T) error {
	dirty := GetDirty(entity, m.modelInfo)
	if len(dirty) == 0 {
		return nil
	}

	columns := make([]string, 0, len(dirty))
	for col := range dirty {
		columns = append(columns, col)
	}
	return m.UpdateColumns(ctx, entity, columns...)
}
