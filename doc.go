// Package norm is an Eloquent-inspired ORM for Go built on database/sql.
//
// Models are plain structs. Metadata (table name, primary key, columns,
// relation methods) is discovered once per type through reflection and
// cached. Queries are built with a fluent, generics-based Model[T] builder:
//
//	users, err := norm.New[User]().
//	    Where("active", true).
//	    With("Posts.Comments").
//	    OrderBy("created_at", "DESC").
//	    Get(ctx)
//
// Relations are declared as methods returning typed descriptors:
//
//	func (u User) PostsRelation() norm.HasMany[Post] {
//	    return norm.HasMany[Post]{ForeignKey: "user_id"}
//	}
//
// Eager loading batches each relation level into a single WHERE ... IN query
// regardless of how many parents were loaded, so a parent query plus one
// relation is always exactly two round trips.
//
// Query scopes, lifecycle events, and soft deletes live in an explicit
// Registry rather than package-level statics; New uses a shared default
// registry, and WithRegistry swaps in an isolated one.
package norm
