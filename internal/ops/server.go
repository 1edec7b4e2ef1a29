// Package ops serves the operational HTTP surface: liveness, a status
// snapshot, Prometheus metrics and (optionally) pprof. It binds to
// loopback by default and is meant to stay private.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetbot/pkg/logx"
)

type Config struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"` // default 127.0.0.1:9090

	// AllowRemote permits binding to non-loopback addresses. The pprof
	// and status endpoints are unauthenticated, so this defaults off.
	AllowRemote bool `json:"allow_remote"`

	EnablePprof          bool `json:"enable_pprof"`
	BlockProfileRate     int  `json:"block_profile_rate"`
	MutexProfileFraction int  `json:"mutex_profile_fraction"`
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = "127.0.0.1:9090"
	}
	return c
}

// loopbackOnly rewrites addr to bind loopback, keeping the port.
func loopbackOnly(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1:9090"
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Deps supplies what the endpoints expose. Status is called per /statusz
// request and its result is rendered as JSON.
type Deps struct {
	Registry *prometheus.Registry
	Status   func() any
	Log      logx.Logger
}

type Server struct {
	mu   sync.Mutex
	deps Deps
	srv  *http.Server
	ln   net.Listener
	addr string
}

func NewServer(deps Deps) *Server {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Server{deps: deps}
}

// Apply starts or stops the server according to cfg. Safe to call again
// on config reload; the listener restarts only when the address changes.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return
	}
	if !cfg.AllowRemote && !isLoopback(cfg.Address) {
		s.deps.Log.Warn("non-loopback ops address without allow_remote; binding loopback",
			logx.String("addr", cfg.Address))
		cfg.Address = loopbackOnly(cfg.Address)
	}
	if s.srv != nil && s.addr == cfg.Address {
		return
	}
	s.stopLocked(ctx)
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/statusz", s.handleStatus)
	if s.deps.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}
	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		s.deps.Log.Warn("ops listen failed",
			logx.String("addr", cfg.Address), logx.Err(err))
		return
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deps.Log.Warn("ops server error", logx.Err(err))
		}
	}()
	s.deps.Log.Info("ops server listening", logx.String("addr", ln.Addr().String()))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var body any
	if s.deps.Status != nil {
		body = s.deps.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		s.deps.Log.Warn("statusz encode failed", logx.Err(err))
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.deps.Log.Warn("ops shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.deps.Log.Info("ops server stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
