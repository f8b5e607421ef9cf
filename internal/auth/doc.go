// Package auth implements the login state machine for the Diaspora event
// fabric: LOGGED_OUT -> PENDING -> AUTHENTICATED -> (EXPIRED | LOGGED_OUT).
//
// Two mutually exclusive login protocols are supported:
//
//   - the interactive native-app flow, split across two tool calls
//     (BeginInteractiveLogin returns an authorization URL and a pending
//     handle; CompleteInteractiveLogin exchanges the code the user brings
//     back). The pending step is a stored record with a bounded lifetime,
//     not suspended control flow, because the two calls may arrive
//     arbitrarily far apart.
//
//   - the non-interactive client-credentials flow
//     (LoginWithServiceCredentials), which yields a token set without a
//     refresh token; service identities re-run the exchange transparently
//     when their token expires.
//
// EnsureValidToken is the single entry point the rest of the system uses
// to turn an identity into a usable access token. It refreshes or
// re-exchanges behind a per-identity critical section so concurrent tool
// calls never trigger redundant network exchanges.
package auth
