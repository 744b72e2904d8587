package norm

import (
	"context"
	"reflect"
	"time"
)

// DeleteEntity removes a single entity by primary key, firing the deleting
// and deleted events. Soft-deletable models get their deleted_at column set
// instead of losing the row; use ForceDeleteEntity to remove it permanently.
// A veto from a deleting listener aborts with ErrOperationCanceled.
func (m *Model[T]) DeleteEntity(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}

	if hook, ok := any(entity).(interface{ BeforeDelete(context.Context) error }); ok {
		if err := hook.BeforeDelete(ctx); err != nil {
			return err
		}
	}

	if !fireEvent(m.registry, ctx, EventDeleting, entity) {
		return ErrOperationCanceled
	}

	pkVal, err := m.parentKeyValue(entity, m.modelInfo.PrimaryKey)
	if err != nil {
		return err
	}

	if m.modelInfo.SoftDeletable() {
		now := time.Now()

		query := "UPDATE " + m.modelInfo.TableName + " SET " + m.modelInfo.DeletedAt.Column +
			" = ? WHERE " + m.modelInfo.PrimaryKey + " = ?"

		if _, err := m.runExec(ctx, "UPDATE", query, []any{now, pkVal}); err != nil {
			return err
		}

		val := reflect.ValueOf(entity).Elem()
		touchTimestamp(val, m.modelInfo.DeletedAt, now, false)
	} else {
		query := "DELETE FROM " + m.modelInfo.TableName + " WHERE " + m.modelInfo.PrimaryKey + " = ?"

		if _, err := m.runExec(ctx, "DELETE", query, []any{pkVal}); err != nil {
			return err
		}
	}

	if hook, ok := any(entity).(interface{ AfterDelete(context.Context) error }); ok {
		if err := hook.AfterDelete(ctx); err != nil {
			return err
		}
	}

	fireEvent(m.registry, ctx, EventDeleted, entity)
	return nil
}

// ForceDeleteEntity permanently removes a single entity by primary key,
// bypassing soft deletes. Fires the same deleting and deleted events as
// DeleteEntity.
func (m *Model[T]) ForceDeleteEntity(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}

	if !fireEvent(m.registry, ctx, EventDeleting, entity) {
		return ErrOperationCanceled
	}

	pkVal, err := m.parentKeyValue(entity, m.modelInfo.PrimaryKey)
	if err != nil {
		return err
	}

	query := "DELETE FROM " + m.modelInfo.TableName + " WHERE " + m.modelInfo.PrimaryKey + " = ?"

	if _, err := m.runExec(ctx, "DELETE", query, []any{pkVal}); err != nil {
		return err
	}

	fireEvent(m.registry, ctx, EventDeleted, entity)
	return nil
}

// Restore clears the deleted_at column of a soft-deleted entity, firing the
// restoring and restored events. Returns ErrNotSoftDeletable when the model
// has no deleted_at column.
func (m *Model[T]) Restore(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}
	if !m.modelInfo.SoftDeletable() {
		return ErrNotSoftDeletable
	}

	if !fireEvent(m.registry, ctx, EventRestoring, entity) {
		return ErrOperationCanceled
	}

	pkVal, err := m.parentKeyValue(entity, m.modelInfo.PrimaryKey)
	if err != nil {
		return err
	}

	query := "UPDATE " + m.modelInfo.TableName + " SET " + m.modelInfo.DeletedAt.Column +
		" = NULL WHERE " + m.modelInfo.PrimaryKey + " = ?"

	if _, err := m.runExec(ctx, "UPDATE", query, []any{pkVal}); err != nil {
		return err
	}

	val := reflect.ValueOf(entity).Elem()
	fv := val.FieldByIndex(m.modelInfo.DeletedAt.Index)
	if fv.CanSet() {
		fv.Set(reflect.Zero(fv.Type()))
	}

	fireEvent(m.registry, ctx, EventRestored, entity)
	return nil
}

// Trashed reports whether the entity carries a soft-delete timestamp.
func (m *Model[T]) Trashed(entity *T) bool {
	if entity == nil || !m.modelInfo.SoftDeletable() {
		return false
	}

	fv := reflect.ValueOf(entity).Elem().FieldByIndex(m.modelInfo.DeletedAt.Index)
	return !fv.IsZero()
}
