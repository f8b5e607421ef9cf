package octopus

import (
	"errors"
	"strings"
)

var (
	// ErrTopicExists is returned by admin handles when a create hits an
	// existing topic. The registry treats it as success.
	ErrTopicExists = errors.New("topic already exists")

	// ErrTopicNotFound indicates the namespaced topic does not exist on
	// the cluster.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrDeliveryTimeout indicates a produce was not acknowledged within
	// the bounded wait. The message may or may not have been committed;
	// no automatic retry is performed, since duplicate avoidance takes
	// priority over availability.
	ErrDeliveryTimeout = errors.New("delivery not acknowledged in time")

	// ErrClusterAuthorization indicates the cluster rejected the handle's
	// credentials. Operations respond by invalidating the identity's
	// cached handles so the next call rebuilds from fresh credentials.
	ErrClusterAuthorization = errors.New("cluster authorization failed")
)

// authErrPatterns matches authorization failures that reach us as plain
// broker error strings rather than typed errors.
var authErrPatterns = []string{
	"authorization failed",
	"sasl authentication",
	"unauthorized",
}

// IsAuthError reports whether an error from a cluster handle indicates an
// authorization failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClusterAuthorization) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range authErrPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
