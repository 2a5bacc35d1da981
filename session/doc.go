// Package session supervises one remotely orchestrated test run.
//
// A Controller spawns the transport process, waits for it to report a live remote link,
// then reads commands from the session's pipes and dispatches them to the runner adapter
// until the scheduler closes the session. A lost pipe tears down the transport and the
// pipes and starts over with the reconnect marker, up to a fixed number of retries.
//
// Termination signals, a transport that never connects, and the close command all go
// through the same bridge termination routine, so the transport never outlives the agent.
package session
