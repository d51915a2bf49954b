// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files, CODEPAD_* environment variables and an
// optional .env file. It covers the HTTP/MCP surface, the isolation backend
// and its resource ceilings, the compiler toolchain pins, workspace and
// pipeline file names, the simulation policy, auditing and logging.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
