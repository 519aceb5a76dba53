// Package main is the entry point for the shellbox terminal gateway.
//
// shellbox gives every client its own long-lived, isolated shell. A browser
// terminal connects over a websocket, receives a session identifier, and is
// attached to an interactive shell inside a sandbox bound to that session.
// Disconnecting leaves the sandbox running; reconnecting with the same
// session identifier returns to it.
//
// Sandboxes run on Docker, Podman, or (for development only) a local pty
// backend. Operator tools for listing, inspecting and removing sessions are
// served over MCP on stdio or HTTP.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
