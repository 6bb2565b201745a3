// Package upstream owns the lifecycle of connections from the gateway to its
// backend MCP servers ("upstreams"). It layers profile validation, transport
// selection, handshake timeouts, health probing, and caching on top of the
// modelcontextprotocol/go-sdk client.
//
// # Core entry points
//
//   - Profile (StdioProfile / StreamProfile) declares how an upstream is
//     launched or contacted. Use TransportOf, AsStdio, and AsStream to branch
//     on the concrete variant.
//   - Factory turns a profile into an initialized Connection. Stdio profiles
//     spawn a subprocess; stream profiles dial streamable HTTP with an SSE
//     fallback.
//   - Cache keeps at most one live Connection per task id, probing cached
//     connections before reuse and replacing dead ones.
//
// A Connection only talks to its upstream through the Session interface, so
// tests can substitute in-memory sessions.
package upstream
