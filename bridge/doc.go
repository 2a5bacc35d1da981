// Package bridge starts and supervises the transport process that relays between the local
// channel and the remote scheduler. The process itself is opaque: it is given a connection URL
// and a session id, and talks to the agent only through the session's pipes.
package bridge
