// Package relay moves bytes between connections.
//
// Copy is the single-direction primitive: an 8 KiB read/write loop that
// flushes after every write and treats any read or write error as the end of
// the stream. Pipe runs two Copy directions over a pair of connections and
// joins them before returning.
package relay
