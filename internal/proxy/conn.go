package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

var errHeaderTooLarge = errors.New("request header too large")

// requestLine is the first line of a request: "METHOD target VERSION".
type requestLine struct {
	Method string
	Target string
	Proto  string
}

func (r requestLine) isConnect() bool {
	return r.Method == "CONNECT"
}

// parseRequestLine splits line into at most three space-separated fields.
// The version is optional; method and target are not.
func parseRequestLine(line string) (requestLine, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return requestLine{}, false
	}

	r := requestLine{Method: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		r.Proto = parts[2]
	}
	return r, true
}

// headerReader reads CRLF- or LF-terminated lines, enforcing a budget on the
// total number of bytes consumed.
type headerReader struct {
	br        *bufio.Reader
	remaining int
}

func newHeaderReader(r io.Reader, limit int) *headerReader {
	return &headerReader{br: bufio.NewReader(r), remaining: limit}
}

// readLine returns the next line without its terminator. A final line cut
// short by EOF is returned as-is; io.EOF is only returned when nothing at all
// was read.
func (h *headerReader) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := h.br.ReadSlice('\n')
		h.remaining -= len(chunk)
		if h.remaining < 0 {
			return "", errHeaderTooLarge
		}
		line = append(line, chunk...)

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				break
			}
			return "", err
		}
		break
	}

	line = trimEOL(line)
	return string(line), nil
}

// readHeaders returns the header lines up to, but not including, the blank
// line ending the block. EOF also ends the block.
func (h *headerReader) readHeaders() ([]string, error) {
	var headers []string
	for {
		line, err := h.readLine()
		if errors.Is(err, io.EOF) {
			return headers, nil
		}
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		headers = append(headers, line)
	}
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
		if n := len(b); n > 0 && b[n-1] == '\r' {
			b = b[:n-1]
		}
	}
	return b
}

// handleConn runs one client connection to completion: read the request
// line, then hand off to the CONNECT or plain HTTP path. conn is always
// closed on return.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	log := s.log.With(
		slog.String("conn", uuid.NewString()),
		slog.String("remote", conn.RemoteAddr().String()),
	)

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	hr := newHeaderReader(conn, s.cfg.MaxHeaderBytes)
	line, err := hr.readLine()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debug("read request line", slog.Any("err", err))
		}
		return
	}

	req, ok := parseRequestLine(line)
	if !ok {
		log.Debug("malformed request line", slog.String("line", line))
		return
	}

	if req.isConnect() {
		s.serveConnect(ctx, log, conn, hr, req)
		return
	}
	s.serveHTTP(ctx, log, conn, hr, req)
}
