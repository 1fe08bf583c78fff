package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/die-net/loopgate/internal/acl"
	"github.com/die-net/loopgate/internal/dialer"
	"github.com/die-net/loopgate/internal/testutil"
)

// redirectDialer records every requested address and connects to to
// instead. An empty to fails every dial.
type redirectDialer struct {
	to string

	mu    sync.Mutex
	addrs []string
}

func (d *redirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, address)
	d.mu.Unlock()

	if d.to == "" {
		return nil, errors.New("dial " + address + ": unreachable")
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.to)
}

func (d *redirectDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := NewServer(cfg)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	c, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// readAllString reads until the proxy closes the connection.
func readAllString(t *testing.T, c net.Conn) string {
	t.Helper()

	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestConnectTunnel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	d := &redirectDialer{to: echoLn.Addr().String()}
	srv := startServer(t, Config{Dialer: d})

	c := dialServer(t, srv)
	if _, err := io.WriteString(c, "CONNECT example.com:443 HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	want := "HTTP/1.1 200 Connection Established\r\n\r\n"
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}

	testutil.AssertEcho(t, c, c, []byte{0x16, 0x03, 0x01, 0x00, 0xff, 0x00, '\r', '\n'})
	testutil.AssertEcho(t, c, c, []byte(strings.Repeat("tunnel", 5000)))

	if got := d.dialed(); len(got) != 1 || got[0] != "example.com:443" {
		t.Fatalf("dialed %v", got)
	}

	// The echo target closes its side once the client half-closes.
	_ = c.(*net.TCPConn).CloseWrite()
	if rest := readAllString(t, c); rest != "" {
		t.Fatalf("unexpected trailing bytes %q", rest)
	}
}

func TestConnectTunnelHTTPClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	srv := startServer(t, Config{})

	c := dialServer(t, srv)

	req := &http.Request{Method: http.MethodConnect, Host: echoLn.Addr().String(), URL: &url.URL{Opaque: echoLn.Addr().String()}, Header: http.Header{"User-Agent": {"test"}}}
	bw := bufio.NewWriter(c)
	if err := req.Write(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}

	testutil.AssertEcho(t, c, br, []byte("hello"))
}

func TestConnectPipelinedBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	srv := startServer(t, Config{Dialer: &redirectDialer{to: echoLn.Addr().String()}})

	c := dialServer(t, srv)
	if _, err := io.WriteString(c, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\nearly"); err != nil {
		t.Fatal(err)
	}

	want := connectEstablished + "early"
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestConnectDefaultPort(t *testing.T) {
	d := &redirectDialer{}
	srv := startServer(t, Config{Dialer: d})

	c := dialServer(t, srv)
	if _, err := io.WriteString(c, "CONNECT example.com HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	// Unreachable target: closed without any response.
	if got := readAllString(t, c); got != "" {
		t.Fatalf("got %q, want no response", got)
	}
	if got := d.dialed(); len(got) != 1 || got[0] != "example.com:443" {
		t.Fatalf("dialed %v", got)
	}
}

func TestConnectFailureStatus(t *testing.T) {
	srv := startServer(t, Config{Dialer: &redirectDialer{}, ConnectErrorStatus: true})

	c := dialServer(t, srv)
	if _, err := io.WriteString(c, "CONNECT example.com:443 HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	if got, want := readAllString(t, c), "HTTP/1.1 502 Bad Gateway\r\n\r\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestConnectThroughSOCKS5Upstream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	up := testutil.StartSOCKS5Upstream(t, ctx, "user", "pass", echoLn.Addr().String())

	d, err := dialer.New(dialer.Config{DialTimeout: time.Second, NegotiationTimeout: time.Second}, "socks5://user:pass@"+up.Addr())
	if err != nil {
		t.Fatal(err)
	}
	srv := startServer(t, Config{Dialer: d})

	c := dialServer(t, srv)
	if _, err := io.WriteString(c, "CONNECT svc.local HTTP/1.1\r\nProxy-Connection: keep-alive\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(connectEstablished))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != connectEstablished {
		t.Fatalf("got %q", buf)
	}

	if got := up.NextRequest(t); got != "svc.local:443" {
		t.Fatalf("upstream asked for %q", got)
	}
	testutil.AssertEcho(t, c, c, []byte("\x16\x03\x01 client hello"))
}

func TestConnectSOCKS5UpstreamRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartSOCKS5Upstream(t, ctx, "", "", "")
	d, err := dialer.New(dialer.Config{DialTimeout: time.Second}, "socks5://"+up.Addr())
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name   string
		status bool
		want   string
	}{
		{name: "silent", want: ""},
		{name: "bad_gateway", status: true, want: "HTTP/1.1 502 Bad Gateway\r\n\r\n"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, Config{Dialer: d, ConnectErrorStatus: tt.status})

			c := dialServer(t, srv)
			if _, err := io.WriteString(c, "CONNECT svc.local:8443 HTTP/1.1\r\n\r\n"); err != nil {
				t.Fatal(err)
			}
			if got := readAllString(t, c); got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
			if got := up.NextRequest(t); got != "svc.local:8443" {
				t.Fatalf("upstream asked for %q", got)
			}
		})
	}
}

func TestHTTPForwardOriginForm(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target := testutil.StartHTTPTarget(t, ctx, "HTTP/1.1 200 OK\r\n\r\nok")
	d := &redirectDialer{to: target.Addr()}
	srv := startServer(t, Config{Dialer: d})

	c := dialServer(t, srv)
	if _, err := io.WriteString(c, "GET /api/status HTTP/1.1\r\nHost: svc.local\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	if got, want := readAllString(t, c), "HTTP/1.1 200 OK\r\n\r\nok"; got != want {
		t.Fatalf("client got %q want %q", got, want)
	}

	wantHead := "GET /api/status HTTP/1.1\r\n" +
		"Host: svc.local\r\n" +
		"Host: svc.local\r\n" +
		"\r\n"
	if got := target.NextRequest(t); got != wantHead {
		t.Fatalf("target got %q want %q", got, wantHead)
	}
	if got := d.dialed(); len(got) != 1 || got[0] != "svc.local:80" {
		t.Fatalf("dialed %v", got)
	}
}

func TestHTTPForwardAbsoluteForm(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target := testutil.StartHTTPTarget(t, ctx, "HTTP/1.1 204 No Content\r\nX-From: target\r\n\r\n")
	srv := startServer(t, Config{})

	c := dialServer(t, srv)
	reqURL := "http://127.0.0.1:" + target.Port() + "/v2/api/items?limit=5"
	req := "POST " + reqURL + " HTTP/1.1\r\n" +
		"Host: 127.0.0.1:" + target.Port() + "\r\n" +
		"User-Agent: curl/8.0\r\n" +
		"accept:   */*\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"\r\n"
	if _, err := io.WriteString(c, req); err != nil {
		t.Fatal(err)
	}

	if got, want := readAllString(t, c), "HTTP/1.1 204 No Content\r\nX-From: target\r\n\r\n"; got != want {
		t.Fatalf("client got %q want %q", got, want)
	}

	wantHead := "POST /v2/api/items?limit=5 HTTP/1.1\r\n" +
		"Host: 127.0.0.1\r\n" +
		"Host: 127.0.0.1:" + target.Port() + "\r\n" +
		"User-Agent: curl/8.0\r\n" +
		"accept:   */*\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"\r\n"
	if got := target.NextRequest(t); got != wantHead {
		t.Fatalf("target got %q want %q", got, wantHead)
	}
}

func TestHTTPForbidden(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target := testutil.StartHTTPTarget(t, ctx, "HTTP/1.1 200 OK\r\n\r\nok")
	d := &redirectDialer{to: target.Addr()}
	srv := startServer(t, Config{Dialer: d})

	for _, req := range []string{
		"GET /home HTTP/1.1\r\nHost: svc.local\r\n\r\n",
		"GET http://svc.local/api HTTP/1.1\r\n\r\n",
		"GET http://svc.local/x?next=/api/ HTTP/1.1\r\n\r\n",
	} {
		c := dialServer(t, srv)
		if _, err := io.WriteString(c, req); err != nil {
			t.Fatal(err)
		}
		if got, want := readAllString(t, c), "HTTP/1.1 403 Forbidden\r\n\r\n"; got != want {
			t.Fatalf("%q: got %q want %q", req, got, want)
		}
	}

	if got := d.dialed(); len(got) != 0 {
		t.Fatalf("dialed %v, want nothing", got)
	}
	if n := target.Accepted(); n != 0 {
		t.Fatalf("target contacted %d times", n)
	}
}

func TestHTTPCustomPolicy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target := testutil.StartHTTPTarget(t, ctx, "HTTP/1.1 200 OK\r\n\r\n")
	srv := startServer(t, Config{Dialer: &redirectDialer{to: target.Addr()}, Policy: acl.New("/rpc/")})

	send := func(path string) string {
		c := dialServer(t, srv)
		if _, err := io.WriteString(c, "GET "+path+" HTTP/1.1\r\nHost: svc.local\r\n\r\n"); err != nil {
			t.Fatal(err)
		}
		return readAllString(t, c)
	}

	if got := send("/api/x"); got != "HTTP/1.1 403 Forbidden\r\n\r\n" {
		t.Fatalf("/api/x got %q", got)
	}
	if got := send("/rpc/x"); got != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Fatalf("/rpc/x got %q", got)
	}

	srv.SetPolicy(acl.New("/api/"))
	if got := send("/api/x"); got != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Fatalf("/api/x after reload got %q", got)
	}
}

func TestHTTPUnreachable(t *testing.T) {
	srv := startServer(t, Config{})

	c := dialServer(t, srv)
	if _, err := io.WriteString(c, "GET http://"+testutil.ClosedAddr(t)+"/api/x HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	if got, want := readAllString(t, c), "HTTP/1.1 500 Internal Server Error\r\n\r\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestHTTPNoHost(t *testing.T) {
	srv := startServer(t, Config{Dialer: &redirectDialer{}})

	c := dialServer(t, srv)
	if _, err := io.WriteString(c, "GET /api/x HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	if got, want := readAllString(t, c), "HTTP/1.1 500 Internal Server Error\r\n\r\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestMalformedAndEmptyConnections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target := testutil.StartHTTPTarget(t, ctx, "HTTP/1.1 200 OK\r\n\r\n")
	d := &redirectDialer{to: target.Addr()}
	srv := startServer(t, Config{Dialer: d, MaxHeaderBytes: 64})

	// Client hangs up without sending anything.
	c := dialServer(t, srv)
	_ = c.Close()

	for _, req := range []string{
		"\r\n",
		"GARBAGE\r\n\r\n",
		"GET /api/x HTTP/1.1\r\nX-Big: " + strings.Repeat("z", 100) + "\r\n\r\n",
	} {
		c := dialServer(t, srv)
		if _, err := io.WriteString(c, req); err != nil {
			t.Fatal(err)
		}
		if got := readAllString(t, c); got != "" {
			t.Fatalf("%q: got %q, want silent close", req, got)
		}
	}

	if got := d.dialed(); len(got) != 0 {
		t.Fatalf("dialed %v", got)
	}

	// The server keeps serving afterwards.
	c = dialServer(t, srv)
	if _, err := io.WriteString(c, "GET /api/ok HTTP/1.1\r\nHost: svc.local\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	if got := readAllString(t, c); got != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestNegotiationTimeout(t *testing.T) {
	srv := startServer(t, Config{NegotiationTimeout: 50 * time.Millisecond})

	c := dialServer(t, srv)
	if _, err := io.WriteString(c, "GET /api/x HTTP/1.1\r\n"); err != nil {
		t.Fatal(err)
	}
	// No blank line ever arrives; the proxy gives up and closes.
	if got := readAllString(t, c); got != "" {
		t.Fatalf("got %q", got)
	}
}
