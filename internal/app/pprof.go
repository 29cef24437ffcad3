package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"focusloop/internal/config"
	logx "focusloop/pkg/logx"
)

const defaultPprofAddr = "127.0.0.1:6060"

// pprofServer owns the optional debug listener. Apply may be called on
// every config reload.
type pprofServer struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	want string // configured address
	addr string // bound address
}

func newPprofServer(log logx.Logger) *pprofServer {
	return &pprofServer{log: log.With(logx.String("comp", "pprof"))}
}

func (p *pprofServer) Apply(ctx context.Context, cfg config.PprofConfig) {
	// Profile rates are process-wide and follow the config even when the
	// listener is off.
	runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)

	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		addr = defaultPprofAddr
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !cfg.Enabled {
		p.stopLocked(ctx)
		return
	}
	if p.srv != nil && p.want == addr {
		return
	}
	p.stopLocked(ctx)
	p.startLocked(addr)
}

func (p *pprofServer) startLocked(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		p.log.Warn("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	p.srv = srv
	p.ln = ln
	p.want = addr
	p.addr = ln.Addr().String()

	bound := p.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Warn("pprof server error", logx.String("addr", bound), logx.Err(err))
		}
	}()
	p.log.Info("pprof enabled", logx.String("addr", bound))
}

func (p *pprofServer) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked(ctx)
	return nil
}

func (p *pprofServer) stopLocked(ctx context.Context) {
	if p.srv == nil {
		return
	}
	srv, ln, addr := p.srv, p.ln, p.addr
	p.srv, p.ln, p.want, p.addr = nil, nil, "", ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.log.Warn("pprof shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	p.log.Info("pprof disabled", logx.String("addr", addr))
}

// Addr is the bound address, or "" when stopped.
func (p *pprofServer) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}
