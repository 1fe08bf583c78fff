package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/loopgate/internal/metrics"
	"github.com/die-net/loopgate/internal/relay"
)

const defaultConnectPort = 443

// serveConnect opens a tunnel to the CONNECT target and pipes bytes both
// ways until both directions finish. If the target cannot be reached the
// client is closed without a response unless ConnectErrorStatus is set.
func (s *Server) serveConnect(ctx context.Context, log *slog.Logger, client net.Conn, hr *headerReader, req requestLine) {
	host, port := splitHostPortDefault(req.Target, defaultConnectPort)
	if host == "" {
		log.Debug("connect without host", slog.String("target", req.Target))
		return
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	log = log.With(slog.String("target", addr))

	// The CONNECT header block is meant for the proxy, not the target.
	if _, err := hr.readHeaders(); err != nil {
		log.Debug("read connect headers", slog.Any("err", err))
		return
	}

	target, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.metrics.DialError(metrics.KindConnect)
		log.Warn("connect to target failed", slog.Any("err", err))
		if s.cfg.ConnectErrorStatus {
			_ = writeStatus(client, http.StatusBadGateway)
		}
		return
	}
	defer target.Close()

	_ = client.SetReadDeadline(time.Time{})

	if _, err := client.Write([]byte(connectEstablished)); err != nil {
		log.Debug("write connect response", slog.Any("err", err))
		return
	}
	s.metrics.TunnelOpened()

	// Anything the client pipelined behind its headers is already buffered.
	var early int64
	if n := hr.br.Buffered(); n > 0 {
		b, _ := hr.br.Peek(n)
		w, err := target.Write(b)
		early = int64(w)
		if err != nil {
			s.metrics.Relayed(early, 0)
			return
		}
	}

	up, down := relay.Pipe(ctx, client, target, s.cfg.IdleTimeout)
	s.metrics.Relayed(early+up, down)
	log.Debug("tunnel closed", slog.Int64("bytes_up", early+up), slog.Int64("bytes_down", down))
}

// splitHostPortDefault splits "host:port" on the last colon. A missing,
// non-numeric or out-of-range port yields defPort. Brackets around IPv6
// literals are removed.
func splitHostPortDefault(hostport string, defPort int) (string, int) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 || (strings.HasPrefix(hostport, "[") && !strings.HasSuffix(hostport[:i], "]")) {
		return unbracket(hostport), defPort
	}

	host, portStr := hostport[:i], hostport[i+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return unbracket(host), defPort
	}
	return unbracket(host), port
}

func unbracket(host string) string {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host[1 : len(host)-1]
	}
	return host
}
