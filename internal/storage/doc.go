// Package storage is the SQLite-backed persistence layer.
//
// It holds the mirrored conversation/message cache, per-conversation sync
// watermarks, generated reports, durable job records, and free-form user
// state. The job engine and pipelines consume it through the Store
// interface; tests substitute in-memory fakes.
package storage
