// Package storage persists scheduled jobs and the audit trail.
//
// The engine mirrors its in-memory job set to the store on every mutation and
// reads it back once at startup. The audit trail is append-only and write-only
// from the engine's perspective; it is never parsed back.
package storage
