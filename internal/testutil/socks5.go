package testutil

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/txthinking/socks5"
)

// SOCKS5Upstream is a loopback SOCKS5 proxy. It records each requested
// address and connects every request to a fixed redirect address instead,
// so tests can ask for names that do not resolve. With an empty redirect
// every request is refused.
type SOCKS5Upstream struct {
	ln       net.Listener
	user     string
	pass     string
	redirect string
	requests chan string
}

// StartSOCKS5Upstream starts a SOCKS5Upstream. Empty user and pass mean
// no authentication.
func StartSOCKS5Upstream(t *testing.T, ctx context.Context, user, pass, redirect string) *SOCKS5Upstream {
	t.Helper()

	u := &SOCKS5Upstream{
		ln:       listen(t, ctx),
		user:     user,
		pass:     pass,
		redirect: redirect,
		requests: make(chan string, 16),
	}
	go u.serve()
	return u
}

// Addr is the proxy's host:port.
func (u *SOCKS5Upstream) Addr() string {
	return u.ln.Addr().String()
}

// NextRequest returns the next address a client asked for.
func (u *SOCKS5Upstream) NextRequest(t *testing.T) string {
	t.Helper()

	select {
	case a := <-u.requests:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("socks5 upstream received no request")
		return ""
	}
}

func (u *SOCKS5Upstream) serve() {
	for {
		c, err := u.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer c.Close()
			_ = u.handle(c)
		}()
	}
}

func (u *SOCKS5Upstream) handle(c net.Conn) error {
	if _, err := socks5.NewNegotiationRequestFrom(c); err != nil {
		return err
	}

	if u.user == "" && u.pass == "" {
		if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c); err != nil {
			return err
		}
	} else {
		if _, err := socks5.NewNegotiationReply(socks5.MethodUsernamePassword).WriteTo(c); err != nil {
			return err
		}
		urq, err := socks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return err
		}
		if string(urq.Uname) != u.user || string(urq.Passwd) != u.pass {
			_, err := socks5.NewUserPassNegotiationReply(socks5.UserPassStatusFailure).WriteTo(c)
			return err
		}
		if _, err := socks5.NewUserPassNegotiationReply(socks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return err
		}
	}

	req, err := socks5.NewRequestFrom(c)
	if err != nil {
		return err
	}
	u.requests <- req.Address()

	zeroAddr, zeroPort := []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}
	if u.redirect == "" {
		_, err := socks5.NewReply(socks5.RepConnectionRefused, socks5.ATYPIPv4, zeroAddr, zeroPort).WriteTo(c)
		return err
	}

	dst, err := net.DialTimeout("tcp", u.redirect, 2*time.Second)
	if err != nil {
		_, _ = socks5.NewReply(socks5.RepHostUnreachable, socks5.ATYPIPv4, zeroAddr, zeroPort).WriteTo(c)
		return err
	}
	defer dst.Close()

	if _, err := socks5.NewReply(socks5.RepSuccess, socks5.ATYPIPv4, []byte{0x7f, 0x00, 0x00, 0x01}, zeroPort).WriteTo(c); err != nil {
		return err
	}

	go func() {
		_, _ = io.Copy(dst, c)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	_, err = io.Copy(c, dst)
	return err
}
