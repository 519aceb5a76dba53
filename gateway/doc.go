// Package gateway serves the terminal websocket endpoint.
//
// A client connects to the configured path (default /terminal), optionally
// naming its session with the session query parameter; a fresh UUID is
// assigned when it is absent. The first frame the server sends is a text
// frame announcing the session:
//
//	{"type":"session","session":"<id>"}
//
// Clients persist that identifier and send it on reconnect to return to the
// same sandbox. After the handshake the connection is a raw binary terminal
// stream plus resize control messages, see package terminal. Provisioning and
// attach failures are reported as a single text frame before the connection
// is closed with status 1011.
//
// The router also serves /healthz and the Prometheus /metrics endpoint.
package gateway
