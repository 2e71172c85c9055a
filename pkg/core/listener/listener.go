package listener

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/theproductiveprogrammer/pm2/pkg/core/handler"
	"github.com/theproductiveprogrammer/pm2/pkg/metrics"
	"go.uber.org/zap"
)

// State is the lifecycle position of a Listener.
type State int

const (
	Unstarted State = iota
	Listening
	Closed
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Listening:
		return "listening"
	case Closed:
		return "closed"
	}
	return "unknown"
}

const maxAcceptDelay = 1 * time.Second

// Listener owns one TCP socket and hands every accepted connection to its
// handler, one at a time, in accept order.
type Listener struct {
	handler handler.Handler
	logger  *zap.Logger

	mu    sync.Mutex
	state State
	ln    net.Listener
}

// New returns an unstarted Listener. A nil logger discards log output.
func New(h handler.Handler, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		handler: h,
		logger:  logger,
	}
}

// Start binds the listening socket on addr. Any failure to bind is returned
// as a *BindError.
func (l *Listener) Start(addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case Listening:
		return ErrAlreadyStarted
	case Closed:
		return ErrClosed
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	l.ln = ln
	l.state = Listening
	metrics.ListenerUp.Set(1)
	l.logger.Info("listener bound", zap.String("addr", ln.Addr().String()))

	return nil
}

// ServeForever accepts connections until the Listener is closed, handling
// each one to completion before accepting the next. It only returns
// ErrNotStarted or ErrClosed.
func (l *Listener) ServeForever() error {
	l.mu.Lock()
	ln, state := l.ln, l.state
	l.mu.Unlock()

	switch state {
	case Unstarted:
		return ErrNotStarted
	case Closed:
		return ErrClosed
	}

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.State() == Closed {
				return ErrClosed
			}

			metrics.AcceptErrorsTotal.Inc()
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			l.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}

		delay = 0
		metrics.ConnectionsAcceptedTotal.Inc()
		l.serveConn(conn)
	}
}

// serveConn runs the handler and keeps a panicking handler from taking the
// accept loop down with it.
func (l *Listener) serveConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ConnectionErrorsTotal.WithLabelValues("panic").Inc()
			l.logger.Error("connection handler panicked",
				zap.Any("panic", r),
				zap.String("remote_addr", conn.RemoteAddr().String()),
				zap.Stack("stack"),
			)
			// The handler may already have closed conn; a second Close only errors.
			conn.Close() //nolint:errcheck
		}
	}()

	l.handler.Handle(conn)
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Close releases the socket. A closed Listener cannot be started again.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state
	l.state = Closed
	if prev != Listening {
		return nil
	}

	metrics.ListenerUp.Set(0)
	return l.ln.Close()
}
