// Package mysql opens pooled MySQL connections and applies the embedded
// schema migrations under deploy/migrations. Repositories built on top of it
// live next to their domain types.
package mysql
