// Package terminal relays a websocket connection to a sandbox terminal.
//
// Inbound frames are split into control messages and raw terminal input.
// Text frames are always control candidates; a binary frame is one only
// when it is shorter than MaxControlFrameSize bytes, opens a JSON object and
// mentions the "type" key. Candidates that fail to parse are dropped so
// malformed metadata never reaches the shell. Everything else is written to
// the sandbox byte for byte.
//
// The only control message is resize:
//
//	{"type":"resize","cols":120,"rows":40}
//
// Dimensions below 2 are raised to 2.
package terminal
