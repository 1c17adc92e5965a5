package debughttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes pprof under /debug/pprof/ and the node's collectors on /metrics.
type Server struct {
	srv  *http.Server
	addr string
}

// Start listens on addr and serves in the background. addr must be loopback
// unless allowPublic is set.
func Start(log *zap.Logger, addr string, allowPublic bool, collectors ...prometheus.Collector) (*Server, error) {
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("debug addr must be loopback unless debug.allow_public is set: %s", addr)
	}
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("debug listen failed: %w", err)
	}
	actual := ln.Addr().String()
	if log != nil {
		log.Info("debug http enabled", zap.String("pprof", "http://"+actual+"/debug/pprof/"), zap.String("metrics", "http://"+actual+"/metrics"))
	}
	s := &Server{
		srv: &http.Server{
			Addr:              actual,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr: actual,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Warn("debug http stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
