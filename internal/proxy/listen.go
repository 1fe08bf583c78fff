package proxy

import (
	"context"
	"fmt"
	"net"
)

// ListenTCP binds addr with SO_REUSEADDR so a restarted proxy can rebind
// while old connections sit in TIME_WAIT. keepAlive is applied to every
// accepted connection.
func ListenTCP(ctx context.Context, addr string, keepAlive net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{
		Control:         reuseAddrControl,
		KeepAliveConfig: keepAlive,
	}
	if !keepAlive.Enable {
		lc.KeepAlive = -1
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	return ln, nil
}
