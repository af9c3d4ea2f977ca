// Package mysql provides the shared MySQL connection pool and schema
// migration runner. Wallet repositories build on the *sql.DB it returns;
// migrations are embedded from deploy/migrations and applied exactly once
// per version.
package mysql
