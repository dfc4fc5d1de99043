// Package stores provides the SQLite event journal for the engine client.
// The journal subscribes to the client's lifecycle events and keeps them
// across restarts of the host process, with WAL mode, embedded migrations,
// and retention pruning.
package stores
