// Package stores persists installed modules and the lifecycle events observed for them in
// SQLite. Schema changes are applied with embedded golang-migrate migrations.
package stores
