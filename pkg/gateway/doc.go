// Package gateway serves the catalog of local and proxied MCP features to
// downstream sessions. It layers session tracking, capability gating and
// secretary-scoped authorization over an mcp.Server and exposes it over
// streamable HTTP, stdio, or any mcp.Transport.
package gateway
