// Package dialer opens the proxy's target connections.
//
// A Dialer either connects straight to the target or chains through an
// upstream HTTP CONNECT or SOCKS5 proxy, selected by URL scheme in New.
package dialer
