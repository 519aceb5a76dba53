// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from an optional YAML file and the environment. It covers the
// terminal gateway listener, the operator tool surface, logging, the sandbox
// provider with its isolation policy, and session reaping.
//
// Every key can be overridden with a SHELLBOX_ prefixed variable, for example
// SHELLBOX_SANDBOX_PIDS_LIMIT. The short names PORT, DOCKER_HOST,
// SANDBOX_IMAGE, SANDBOX_MEMORY, SANDBOX_CPU_QUOTA, SANDBOX_CPU_PERIOD and
// SANDBOX_PIDS_LIMIT are honoured as well.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Listening on %s\n", cfg.ListenAddr())
package config
