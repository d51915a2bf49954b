// Package main is the entry point for the codepad server.
//
// codepad compiles and runs untrusted Verifex snippets inside an isolation
// backend (firejail, podman, docker, or a local runner for development) and
// returns their output. It serves a gin HTTP API with an MCP endpoint, or MCP
// over stdio, as configured.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
