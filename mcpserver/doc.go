// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the operator surface of the shell gateway as
// MCP tools, using the mark3labs/mcp-go library for the protocol details:
//
//   - list_sessions: every known session with its sandbox and activity
//   - inspect_session: one session plus the live state of its sandbox
//   - remove_session: destroy a session's sandbox
//   - describe_policy: the image, shell and isolation policy as YAML
//
// The server runs on stdio or HTTP as selected by admin.transport; the
// terminal endpoint itself lives in package gateway.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, manager)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
