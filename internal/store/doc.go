// Package store provides the system-of-record client: credential records,
// the Store interface, a SQLite implementation, and a Redis-backed change
// notifier that fans writes out to running gateways.
package store
