// Package proxy implements the loopgate listener: a forward proxy that
// tunnels CONNECT requests as opaque byte streams and forwards plain HTTP
// requests whose path passes an allow-list.
//
// A Server owns at most one listening socket at a time and can be started
// and stopped repeatedly. Each accepted connection is handled by its own
// goroutine; failures never leave that goroutine.
package proxy
