package testutil

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// StartSingleAcceptServer accepts one connection and passes it to handler.
// The returned wait func closes the listener and waits for handler.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	ln := listen(t, ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}()

	wait := func() {
		_ = ln.Close()
		wg.Wait()
	}

	return ln, wait
}

// HTTPTarget is a loopback server that records raw request heads and
// answers each with a fixed response before closing.
type HTTPTarget struct {
	ln       net.Listener
	response string
	accepted atomic.Int32
	requests chan []byte
}

// StartHTTPTarget starts an HTTPTarget replying with response.
func StartHTTPTarget(t *testing.T, ctx context.Context, response string) *HTTPTarget {
	t.Helper()

	h := &HTTPTarget{
		ln:       listen(t, ctx),
		response: response,
		requests: make(chan []byte, 16),
	}
	go h.serve()
	return h
}

// Addr is the target's host:port.
func (h *HTTPTarget) Addr() string {
	return h.ln.Addr().String()
}

// Port is the target's port as a string.
func (h *HTTPTarget) Port() string {
	_, port, _ := net.SplitHostPort(h.Addr())
	return port
}

// Accepted reports how many connections reached the target.
func (h *HTTPTarget) Accepted() int {
	return int(h.accepted.Load())
}

// NextRequest returns the next recorded request head, including the
// terminating blank line.
func (h *HTTPTarget) NextRequest(t *testing.T) string {
	t.Helper()

	select {
	case b := <-h.requests:
		return string(b)
	case <-time.After(2 * time.Second):
		t.Fatal("target received no request")
		return ""
	}
}

func (h *HTTPTarget) serve() {
	for {
		c, err := h.ln.Accept()
		if err != nil {
			return
		}
		h.accepted.Add(1)
		go h.handle(c)
	}
}

func (h *HTTPTarget) handle(c net.Conn) {
	defer c.Close()

	br := bufio.NewReader(c)
	var head bytes.Buffer
	for {
		line, err := br.ReadBytes('\n')
		head.Write(line)
		if err != nil {
			return
		}
		if bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n")) {
			break
		}
	}
	h.requests <- head.Bytes()

	_, _ = io.WriteString(c, h.response)
}
