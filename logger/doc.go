// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap, providing structured, high-performance logging
// throughout the application. Connection-scoped loggers carry the session
// identifier and the short sandbox identifier.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Session(log, sessionID, sandboxID).Info("attached")
package logger
