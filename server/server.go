// Package server wires the ambient HTTP surface (health probes,
// Prometheus, pprof, version) around the protocol engines. The request
// reactor that drives DNSResolver/BlindEngine/HttpEngine/FtpEngine state
// machines against live sockets is out of this package's scope; this
// server only exposes the process's operational surface and a thin
// cache-inspection endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudflare/tableflip"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omalloc/originfetch/cache"
	"github.com/omalloc/originfetch/conf"
	"github.com/omalloc/originfetch/contrib/log"
	"github.com/omalloc/originfetch/contrib/transport"
	xhttp "github.com/omalloc/originfetch/pkg/x/http"
	"github.com/omalloc/originfetch/pkg/x/runtime"
	"github.com/omalloc/originfetch/server/mod"
)

var localMatcher = map[string]struct{}{
	"localhost": {},
	"127.1":     {},
	"127.0.0.1": {},
}

// HTTPServer is the ambient transport.Server: it owns the listener and
// the operational mux; paths the mux does not register get a 404.
type HTTPServer struct {
	*http.Server

	flip     *tableflip.Upgrader
	config   *conf.Bootstrap
	store    *cache.Store
	listener net.Listener
}

// NewServer builds the ambient HTTP surface. store may be nil when no
// cache directory is configured; the health/version/metrics endpoints
// still come up.
func NewServer(flip *tableflip.Upgrader, config *conf.Bootstrap, store *cache.Store) transport.Server {
	servConfig := config.Server

	s := &HTTPServer{
		Server: &http.Server{
			Addr:              servConfig.Addr,
			ReadTimeout:       servConfig.ReadTimeout,
			WriteTimeout:      servConfig.WriteTimeout,
			IdleTimeout:       servConfig.IdleTimeout,
			ReadHeaderTimeout: servConfig.ReadHeaderTimeout,
			MaxHeaderBytes:    servConfig.MaxHeaderBytes,
		},
		flip:   flip,
		config: config,
		store:  store,
	}

	mux := s.newServeMux()
	s.Handler = mux
	return s
}

func (s *HTTPServer) Start(ctx context.Context) error {
	s.BaseContext = func(ln net.Listener) context.Context {
		return ctx
	}

	if err := s.listen(); err != nil {
		return err
	}

	log.Infof("originfetchd listening on %s", s.config.Server.Addr)

	if err := s.Serve(s.listener); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.Shutdown(ctx)
}

func (s *HTTPServer) listen() error {
	if strings.HasPrefix(s.Addr, "unix:") {
		ln, err := s.flip.Listen("unix", strings.TrimPrefix(s.Addr, "unix:"))
		if err != nil {
			return err
		}
		s.listener = ln
		return nil
	}
	ln, err := s.flip.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

func (s *HTTPServer) newServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mod.HandlePProf(s.config.Server.PProf, mux)

	mux.Handle("/favicon.ico", http.NotFoundHandler())

	mux.Handle("/version", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(runtime.BuildInfo)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))

	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/healthz/startup-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("/healthz/liveness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.Handle("/healthz/readiness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	mux.Handle("/debug/cache/entry", http.HandlerFunc(s.handleCacheEntry))

	return mux
}

// handleCacheEntry reports the cache.Handle state (absent/partial/complete,
// size, mtime) for the ?key= query parameter, for operators to confirm why a
// given origin resource is or isn't being served from cache. Restricted to
// local requests, same as the pprof endpoints are restricted by credentials.
func (s *HTTPServer) handleCacheEntry(w http.ResponseWriter, r *http.Request) {
	ip := xhttp.ClientIP(r.RemoteAddr, r.Header)
	if _, ok := localMatcher[trimPort(ip)]; !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if s.store == nil {
		http.Error(w, "cache not open", http.StatusServiceUnavailable)
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	entry, err := s.store.Entry(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := struct {
		Key      string `json:"key"`
		Size     int64  `json:"size"`
		MTime    int64  `json:"mtime"`
		Partial  bool   `json:"partial"`
		Complete bool   `json:"complete"`
	}{Key: key, Size: entry.Size(), MTime: entry.MTime()}

	if _, ok := entry.Partial(); ok {
		status.Partial = true
	}
	if _, ok := entry.Full(); ok {
		status.Complete = true
	}

	payload, _ := json.Marshal(status)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(payload)
}

func trimPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
