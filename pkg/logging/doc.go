// Package logging provides the structured logging layer for octopus-mcp.
//
// It is a thin wrapper around log/slog that tags every entry with the
// subsystem that produced it ("Auth", "Session", "Octopus", ...) so that
// log output from concurrent tool calls can be attributed. Call Init once
// at startup; the package-level helpers are safe for concurrent use.
//
// Token and credential values must never be passed to these helpers. Log
// identities, topic names, and expiry timestamps instead.
package logging
