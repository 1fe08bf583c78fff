package proxy

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/loopgate/internal/dialer"
	"github.com/die-net/loopgate/internal/metrics"
	"github.com/die-net/loopgate/internal/relay"
)

// serveHTTP forwards a plain HTTP request whose path passes the policy.
//
// The request is rebuilt rather than copied: a fresh request line, a Host
// header naming the target, then the client's header lines verbatim. Only
// the head is forwarded; a request body is not. The target's response is
// relayed back until the target closes.
func (s *Server) serveHTTP(ctx context.Context, log *slog.Logger, client net.Conn, hr *headerReader, req requestLine) {
	log = log.With(slog.String("method", req.Method), slog.String("url", req.Target))

	u, parseErr := url.Parse(req.Target)
	path := req.Target
	if parseErr == nil {
		path = u.Path
	}

	if !s.Policy().Allow(path) {
		s.metrics.Denied()
		log.Info("denied by path policy")
		_ = writeStatus(client, http.StatusForbidden)
		return
	}

	headers, err := hr.readHeaders()
	if err != nil {
		log.Debug("read headers", slog.Any("err", err))
		return
	}

	if parseErr != nil {
		log.Warn("unparsable request target", slog.Any("err", parseErr))
		_ = writeStatus(client, http.StatusInternalServerError)
		return
	}

	host, port, err := resolveTarget(u, headers)
	if err != nil {
		log.Warn("unresolvable request target", slog.Any("err", err))
		_ = writeStatus(client, http.StatusInternalServerError)
		return
	}

	target, err := s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		s.metrics.DialError(metrics.KindHTTP)
		log.Warn("connect to target failed", slog.Any("err", err))
		_ = writeStatus(client, http.StatusInternalServerError)
		return
	}
	defer target.Close()

	stop := context.AfterFunc(ctx, func() { _ = target.Close() })
	defer stop()

	_ = client.SetReadDeadline(time.Time{})

	// RequestURI keeps the query string; the path alone would drop it.
	head := buildRequestHead(req.Method, u.RequestURI(), host, headers)
	bw := bufio.NewWriter(target)
	if _, err := bw.WriteString(head); err != nil {
		log.Debug("write request", slog.Any("err", err))
		return
	}
	if err := bw.Flush(); err != nil {
		log.Debug("write request", slog.Any("err", err))
		return
	}
	s.metrics.Forwarded()

	down := relay.CopyConn(client, target, s.cfg.IdleTimeout)
	s.metrics.Relayed(int64(len(head)), down)
	log.Debug("response relayed", slog.Int64("bytes_down", down))
}

var errNoHost = errors.New("no host in request target or Host header")

// resolveTarget picks the host and port to dial. Absolute-form targets name
// the host themselves; origin-form targets fall back to the Host header.
// Without an explicit port the scheme's default is used, http when the
// scheme is absent.
func resolveTarget(u *url.URL, headers []string) (string, string, error) {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	defPort := dialer.DefaultPort(scheme)
	if defPort == "" {
		defPort = "80"
	}

	if u.Host != "" {
		port := u.Port()
		if port == "" {
			port = defPort
		}
		return u.Hostname(), port, nil
	}

	hostHeader := headerValue(headers, "Host")
	if hostHeader == "" {
		return "", "", errNoHost
	}
	host, port := splitHostPortDefault(hostHeader, 0)
	if host == "" {
		return "", "", errNoHost
	}
	if port == 0 {
		return host, defPort, nil
	}
	return host, strconv.Itoa(port), nil
}

// headerValue returns the trimmed value of the first header line named
// name, compared case-insensitively.
func headerValue(headers []string, name string) string {
	for _, h := range headers {
		k, v, ok := strings.Cut(h, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// buildRequestHead renders the forwarded request line and header block.
// The synthesized Host line always comes first, ahead of the client's own
// headers, which are kept verbatim and in order.
func buildRequestHead(method, requestURI, host string, headers []string) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(requestURI)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(host)
	b.WriteString("\r\n")
	for _, h := range headers {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}
