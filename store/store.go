// Package store provides persistence implementations for stepflow.
// The Store and Tx interfaces are defined in the parent stepflow package
// (../store_interface.go) to avoid import cycles between the stepflow
// and store packages.
//
// This package contains concrete implementations:
//   - SQLiteStore: transactional backend, also a scheduler Watermark
//   - MemoryStore: in-memory backend for tests and embedding
//   - DynamoDBWatermark: scheduler watermark shared between instances
//
// Every Store serializes its units of work and rejects a second active step
// state per subject with a CONFLICT error.
package store
