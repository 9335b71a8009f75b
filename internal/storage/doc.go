// Package storage persists reminders. It is pure CRUD + query; the state
// machine semantics live in internal/reminder and are enforced here only
// as row guards (pending-only mutations, legal status transitions).
package storage
