// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema migrations and strongly typed queries for persisting
// agent conversation records, with a file-backed in-memory fallback for local
// development and tests.
package mysql
