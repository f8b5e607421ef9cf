// Package octopus implements the topic-registry and data-plane operations
// of the Diaspora event fabric.
//
// All operations run on behalf of an authenticated identity and go
// through the session manager's client cache, so repeated and concurrent
// calls neither re-authenticate nor leak stale connections. Topic names
// supplied by callers are namespaced with the identity's prefix before
// touching the shared cluster and stripped again on the way out.
//
// Topic registration and removal are idempotent: creating a topic that
// exists and deleting one that does not are both reported as success, so
// retries are safe.
package octopus
