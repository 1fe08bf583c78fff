package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/die-net/loopgate/internal/acl"
	"github.com/die-net/loopgate/internal/dialer"
	"github.com/die-net/loopgate/internal/logger"
	"github.com/die-net/loopgate/internal/metrics"
)

// State is the lifecycle state of a Server.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server is the proxy listener. Start and Stop may be called any number of
// times, in any order, from any goroutine.
type Server struct {
	cfg     Config
	dialer  dialer.Dialer
	log     *slog.Logger
	metrics *metrics.Metrics
	policy  atomic.Pointer[acl.Policy]
	slots   *semaphore.Weighted
	listen  func(ctx context.Context, addr string, ka net.KeepAliveConfig) (net.Listener, error)

	state atomic.Int32

	// mu serializes Start, Stop and Shutdown.
	mu       sync.Mutex
	ln       net.Listener
	stopRun  context.CancelFunc
	loopDone chan struct{}

	// run holds the connections of the current Start; runs also keeps
	// earlier ones whose workers may still be busy.
	run  *connRun
	runs []*connRun
}

// connRun groups the workers started by one accept loop. Workers outlive
// Stop; cancel only fires when Shutdown gives up waiting for them.
type connRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	active  atomic.Int64
}

func newConnRun() *connRun {
	r := &connRun{}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// NewServer returns a stopped Server for cfg.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowQueue
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}

	s := &Server{
		cfg:     cfg,
		dialer:  cfg.Dialer,
		log:     logger.WithComponent(cfg.Logger, "proxy"),
		metrics: cfg.Metrics,
		listen:  ListenTCP,
	}
	if s.dialer == nil {
		s.dialer = dialer.NewDirectDialer(dialer.Config{KeepAlive: cfg.KeepAlive})
	}
	if cfg.MaxConns > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConns))
	}

	p := cfg.Policy
	if p == nil {
		p = acl.New()
	}
	s.policy.Store(p)

	return s
}

// State reports the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Addr returns the bound listen address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil || s.State() != StateRunning {
		return nil
	}
	return s.ln.Addr()
}

// Policy returns the active path allow-list.
func (s *Server) Policy() *acl.Policy {
	return s.policy.Load()
}

// SetPolicy replaces the path allow-list. Requests already past the policy
// check are unaffected.
func (s *Server) SetPolicy(p *acl.Policy) {
	if p == nil {
		p = acl.New()
	}
	s.policy.Store(p)
}

// Start binds the listener and starts the accept loop. It is a no-op when
// the server is already running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStopped {
		return nil
	}
	s.state.Store(int32(StateStarting))

	// The previous loop may have ended on its own without Stop.
	if s.stopRun != nil {
		s.stopRun()
		<-s.loopDone
		s.stopRun = nil
		s.ln = nil
	}

	ln, err := s.listen(context.Background(), s.cfg.Addr, s.cfg.KeepAlive)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return err
	}

	s.pruneRuns()
	run := newConnRun()
	s.run = run
	s.runs = append(s.runs, run)

	runCtx, stopRun := context.WithCancel(context.Background())
	s.ln = ln
	s.stopRun = stopRun
	s.loopDone = make(chan struct{})
	s.state.Store(int32(StateRunning))

	go s.acceptLoop(runCtx, ln, run, s.loopDone)

	s.log.Info("listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// pruneRuns drops stopped runs with no workers left. Only called while
// stopped, so no accept loop can add to them.
func (s *Server) pruneRuns() {
	live := s.runs[:0]
	for _, r := range s.runs {
		if r.active.Load() == 0 {
			r.cancel()
			continue
		}
		live = append(live, r)
	}
	clear(s.runs[len(live):])
	s.runs = live
}

// Stop closes the listener and waits for the accept loop to exit.
// Connections already accepted keep running. Stop is a no-op unless the
// server is running.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Server) stopLocked() {
	if s.State() != StateRunning {
		return
	}
	s.state.Store(int32(StateStopping))

	s.stopRun()
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("close listener", slog.Any("err", err))
	}
	<-s.loopDone

	s.ln = nil
	s.stopRun = nil
	s.state.Store(int32(StateStopped))
	s.log.Info("stopped")
}

// Shutdown stops the listener and waits for in-flight connections to
// finish. If ctx ends first, the remaining connections are closed and
// ctx's error is returned once their workers have exited. Connections
// accepted by a Start that follows Shutdown are not affected.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopLocked()
	runs := s.runs
	s.runs = nil
	s.run = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, r := range runs {
			r.workers.Wait()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		for _, r := range runs {
			r.cancel()
		}
		<-done
		err = ctx.Err()
	}

	for _, r := range runs {
		r.cancel()
	}
	return err
}

func (s *Server) acceptLoop(runCtx context.Context, ln net.Listener, run *connRun, done chan<- struct{}) {
	defer close(done)

	var backoff time.Duration
	for {
		if s.slots != nil && s.cfg.Overflow == OverflowQueue {
			if err := s.slots.Acquire(runCtx, 1); err != nil {
				return
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if s.slots != nil && s.cfg.Overflow == OverflowQueue {
				s.slots.Release(1)
			}
			if s.State() != StateRunning {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				// Nobody called Stop, so let a later Start bind again.
				if s.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
					s.log.Error("listener closed unexpectedly", slog.Any("err", err))
				}
				return
			}

			s.metrics.AcceptError()
			backoff = nextBackoff(backoff)
			s.log.Error("accept", slog.Any("err", err), slog.Duration("retry_in", backoff))

			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-runCtx.Done():
				t.Stop()
				return
			}
			continue
		}
		backoff = 0
		s.metrics.Accepted()

		if s.slots != nil && s.cfg.Overflow == OverflowReject && !s.slots.TryAcquire(1) {
			s.metrics.Rejected()
			s.log.Debug("rejected, all workers busy", slog.String("remote", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}

		s.dispatch(run, conn)
	}
}

// dispatch hands conn to its own worker goroutine. The caller has already
// taken a worker slot when slots are bounded.
func (s *Server) dispatch(run *connRun, conn net.Conn) {
	run.workers.Add(1)
	run.active.Add(1)
	s.metrics.WorkerStarted()
	go func() {
		defer run.workers.Done()
		defer run.active.Add(-1)
		defer s.metrics.WorkerDone()
		if s.slots != nil {
			defer s.slots.Release(1)
		}
		s.handleConn(run.ctx, conn)
	}()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}
