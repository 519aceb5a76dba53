// Package sandbox provides the sandbox provider boundary.
//
// The sandbox package creates, starts, inspects, attaches to, resizes and
// removes the isolated environments that host one interactive shell per
// session. It supports multiple backends including Docker, Podman, and
// local execution (for development).
//
// The package defines the Provider interface and the Stream returned by
// Attach. Every sandbox is created under a Policy that drops all
// capabilities, forbids privilege escalation, caps memory, CPU and process
// count, disables networking unless allowed, and mounts a size-limited
// scratch filesystem. Containers carry the managed-by label so orphans can
// be found after a restart.
//
// Usage:
//
//	provider, err := sandbox.NewProvider(logger, cfg)
//	id, err := provider.Create(ctx, sandbox.CreateRequest{
//	    SessionID: "abc",
//	    Image:     "ubuntu:22.04",
//	    Command:   []string{"/bin/bash"},
//	    Policy:    sandbox.PolicyFromConfig(cfg),
//	})
//	err = provider.Start(ctx, id)
//	stream, err := provider.Attach(ctx, id)
package sandbox
