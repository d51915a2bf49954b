// Package mcpserver exposes codepad as a Model Context Protocol (MCP) server.
//
// It uses the mark3labs/mcp-go library and registers a single tool,
// compile_and_run, which takes a code argument and returns the JSON result
// {success, output, error}. System failures are reported as tool errors
// without their details.
//
// The server runs on stdio, or over HTTP when its handler is mounted at /mcp
// by the api package.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, engine)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or mount server.HTTPHandler()
package mcpserver
