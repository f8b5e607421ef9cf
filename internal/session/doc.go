// Package session owns the per-identity cache of constructed cluster
// clients (topic admin, producer, consumer) for the Diaspora event fabric.
//
// Handles are built lazily from the identity's current derived access and
// carry the expiry they were built from as a generation marker. When the
// derived access rotates, the next acquisition builds a fresh handle set
// and atomically swaps it in; the old set is closed only once every
// in-flight operation has released its reference, so a rebuild never
// invalidates a handle mid-use.
//
// The manager is an explicit instance passed to all operations. There is
// no global lock: identities are fully independent, and concurrent
// acquisitions for one identity collapse into a single construction via
// singleflight.
package session
