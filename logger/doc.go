// Package logger provides structured logging capabilities.
//
// The logger package sets up the application's zap logger. Every component
// receives the same *zap.Logger through fx and adds its own fields
// (job_id, phase, backend) rather than creating loggers of its own.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("toolchain ready", zap.Duration("elapsed", d))
package logger
