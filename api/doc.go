// Package api serves codepad over HTTP with gin.
//
// Routes:
//
//	POST /api/compile         compile and run a snippet
//	GET  /api/health          liveness
//	POST /api/webhook/github  rebuild the toolchain on a push to its branch
//	GET  /metrics             prometheus metrics
//	ANY  /mcp                 MCP streamable HTTP, when an MCP handler is mounted
//
// Compile requests are rate limited per client IP.
package api
