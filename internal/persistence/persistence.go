// Package persistence provides the FlowStore implementations shipped
// with the engine: an in-memory reference store, a SQLite store and a
// Redis store.
package persistence
