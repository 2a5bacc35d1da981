/*
Package channel provides a duplex, newline-delimited message channel built from two named pipes (FIFOs), one per
direction.

The agent and the bridge agree on the two paths ahead of time, so there is no negotiation: each side reads the FIFO
the other writes. Opening a FIFO blocks until the other end is attached, so both ends are opened concurrently in
their own goroutines. Serializing them would deadlock whenever the peer opens its ends in the opposite order.

Messages are a single line. Writers split large payloads into 1 KiB chunks and terminate them with one newline;
readers always consume one full line. A vanished peer surfaces as ErrConnectionLost, from either direction.
*/
package channel
