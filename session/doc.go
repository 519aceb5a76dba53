// Package session binds client session identifiers to sandboxes.
//
// The Registry records which sandbox serves which session together with its
// creation time, last activity and number of open attachments. The Manager
// implements get-or-create on top of it: a known session gets its recorded
// sandbox back (restarted if it stopped, replaced if it vanished) and an
// unknown one gets a freshly provisioned sandbox. Lifecycle work for one
// session is serialized so simultaneous first connections share a single
// sandbox.
//
// Sandboxes outlive connections. They are only removed through Remove, the
// idle Reaper when session.idle_timeout is set, or orphan cleanup at startup.
package session
