// Package downstream serves Stratum V1 mining devices: the accept loop, one
// session state machine per device and per-device variable difficulty.
package downstream

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/bardlex/tproxy/internal/metrics"
	"github.com/bardlex/tproxy/internal/mining"
	"github.com/bardlex/tproxy/internal/telemetry"
	"github.com/bardlex/tproxy/pkg/errors"
	"github.com/bardlex/tproxy/pkg/log"
)

// Listener accepts device connections and runs a session for each.
type Listener struct {
	bridge   Bridge
	cfg      Config
	hashrate *mining.HashrateBook
	recorder *telemetry.Recorder
	logger   *log.Logger

	nextID atomic.Uint64
	ready  chan struct{}
	addr   net.Addr

	wg       sync.WaitGroup
	mu       sync.RWMutex
	sessions map[uint64]*Session
}

// NewListener creates a listener that hands devices to b.
func NewListener(b Bridge, cfg Config, hashrate *mining.HashrateBook, recorder *telemetry.Recorder, logger *log.Logger) *Listener {
	return &Listener{
		bridge:   b,
		cfg:      cfg,
		hashrate: hashrate,
		recorder: recorder,
		logger:   logger.WithComponent("downstream"),
		ready:    make(chan struct{}),
		sessions: make(map[uint64]*Session),
	}
}

// AcceptConnections binds addr and serves devices until ctx is cancelled. A
// bind or accept failure is returned and ends the proxy.
func (l *Listener) AcceptConnections(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "listen", "failed to bind downstream listener").
			WithContext("address", addr)
	}

	l.addr = ln.Addr()
	close(l.ready)
	l.logger.Info("listening for devices", "address", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.wg.Wait()
				return nil
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				l.logger.WithError(err).Warn("failed to accept connection")
				continue
			}
			_ = ln.Close()
			return errors.Wrap(err, errors.ErrorTypeConnection, "accept", "downstream listener failed")
		}

		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()

	id := l.nextID.Add(1)
	session := NewSession(id, conn, l.bridge, l.cfg, l.hashrate, l.recorder, l.logger)

	l.mu.Lock()
	l.sessions[id] = session
	l.mu.Unlock()
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()

	defer func() {
		l.mu.Lock()
		delete(l.sessions, id)
		l.mu.Unlock()
		metrics.SessionsActive.Dec()
	}()

	var err error
	var pc panics.Catcher
	pc.Try(func() { err = session.Run(ctx) })
	if recovered := pc.Recovered(); recovered != nil {
		err = errors.Wrap(recovered.AsError(), errors.ErrorTypeInternal, "session", "session panicked")
	}
	if err != nil && ctx.Err() == nil {
		l.logger.WithError(err).Warn("session closed",
			"session_id", id,
			"remote_addr", session.RemoteAddr(),
			"error_type", string(errors.TypeOf(err)),
		)
	}
}

// Ready is closed once the listener is bound.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address. It is nil before Ready is closed.
func (l *Listener) Addr() net.Addr {
	select {
	case <-l.ready:
		return l.addr
	default:
		return nil
	}
}

// Sessions returns the number of connected devices.
func (l *Listener) Sessions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}
