package auth

// Kind distinguishes how an identity was established.
type Kind int

const (
	// KindInteractive identities come from the native-app authorization
	// code flow and carry a refresh token.
	KindInteractive Kind = iota

	// KindService identities come from the client-credentials flow and
	// re-derive tokens directly instead of refreshing.
	KindService
)

// String makes Kind satisfy fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindInteractive:
		return "interactive"
	case KindService:
		return "service"
	default:
		return "unknown"
	}
}

// Identity is the authenticated principal on whose behalf operations run.
// It is established at login and immutable for the session. The Subject is
// the OpenID subject claim from the authorization service and keys all
// per-identity state.
type Identity struct {
	Subject string
	Kind    Kind
}

// NamespacePrefix returns the string prepended to this identity's topic
// names on the shared cluster. Callers never see the prefix in
// tool-visible topic names.
func (id Identity) NamespacePrefix() string {
	return id.Subject + "."
}

// State is the login state of an identity.
type State int

const (
	StateLoggedOut State = iota
	StateAuthenticated
	StateExpired
)

// String makes State satisfy fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "LOGGED_OUT"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}
