// Package keycache maintains a live in-memory view of one provider's
// credential records and resolves caller keys into downstream secrets.
//
// # Overview
//
// The cache sits between the gateway's request path and the system of
// record. Reads are served from memory; the system of record is touched
// only for the one-time bulk load, the change subscription, and
// fire-and-forget usage writes.
//
// # Lifecycle
//
// Construction is passive. The first Resolve (or an explicit Prime) performs
// a bulk load of the provider's active records and opens the change feed;
// concurrent first uses collapse into a single load. A failed prime is not
// cached, so a later call retries it.
//
// After priming, change events keep the view current:
//
//   - Upserts replace the record under both indexes.
//   - Upserts carrying an inactive record, and explicit deletes, remove it.
//
// Events apply in arrival order with no cross-replica coordination. Two
// writers racing on the same record converge on whichever event lands last.
//
// # Resolution
//
// Resolve checks, in order: key presence, expiry, then quota. On success it
// charges one use locally, persists the increment in the background, and
// decrypts the stored secret. Usage persistence is never awaited and its
// failure never fails the call; the quota is a soft limit.
//
// Failures map to ErrNotFound, ErrExpired, ErrRateLimited, or the secrets
// package's ErrCorruptCredential.
package keycache
