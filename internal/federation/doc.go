// Package federation carries server-to-server requests between rooms'
// participating servers.
//
// Transport is what the ingestion pipeline consumes to pull missing events,
// auth chains and state from peers. Handler is what a server exposes to
// answer those requests. Network connects handlers in-process by server
// name and can partition pairs of servers; Client is a Transport bound to
// one Network member with per-destination outbound rate limiting.
package federation
