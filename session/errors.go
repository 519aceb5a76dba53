package session

import "fmt"

// ProvisionError reports a failure to produce a running sandbox for a session
type ProvisionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision sandbox for session %q: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// AttachError reports a failure to open a terminal stream to a sandbox
type AttachError struct {
	SessionID string
	SandboxID string
	Err       error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach to sandbox %s for session %q: %v", e.SandboxID, e.SessionID, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}
