package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/die-net/loopgate/internal/acl"
	"github.com/die-net/loopgate/internal/dialer"
	"github.com/die-net/loopgate/internal/metrics"
)

const (
	// DefaultAddr is where the proxy listens unless told otherwise.
	DefaultAddr = "127.0.0.1:11112"

	// DefaultMaxHeaderBytes caps the request line plus header block.
	DefaultMaxHeaderBytes = 1 << 20
)

// Overflow selects what happens to new connections once MaxConns workers
// are busy.
type Overflow string

const (
	// OverflowQueue stops accepting until a worker frees up; further clients
	// wait in the kernel's listen backlog.
	OverflowQueue Overflow = "queue"
	// OverflowReject accepts and immediately closes the connection.
	OverflowReject Overflow = "reject"
)

// ParseOverflow validates an overflow policy name.
func ParseOverflow(s string) (Overflow, error) {
	switch o := Overflow(strings.ToLower(strings.TrimSpace(s))); o {
	case OverflowQueue, OverflowReject:
		return o, nil
	case "":
		return OverflowQueue, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q (want queue or reject)", s)
	}
}

type Config struct {
	// Addr is the TCP listen address.
	Addr string

	// Dialer opens target connections. Nil means direct dialing.
	Dialer dialer.Dialer

	// Policy filters plain HTTP requests by path. Nil means acl.New().
	Policy *acl.Policy

	// NegotiationTimeout bounds reading the request line and headers.
	// Zero means no limit.
	NegotiationTimeout time.Duration

	// IdleTimeout ends a relay once no data has moved for this long. Zero
	// means no limit.
	IdleTimeout time.Duration

	// MaxConns bounds concurrent workers. Zero means unbounded.
	MaxConns int
	Overflow Overflow

	// ConnectErrorStatus makes a failed CONNECT answer 502 Bad Gateway
	// instead of closing the client connection silently.
	ConnectErrorStatus bool

	MaxHeaderBytes int

	KeepAlive net.KeepAliveConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}
