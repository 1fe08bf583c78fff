// Package socks5 performs the client side of a SOCKS5 CONNECT handshake.
//
// It is a thin layer over the wire types in github.com/txthinking/socks5,
// used by the upstream SOCKS5 dialer.
package socks5
