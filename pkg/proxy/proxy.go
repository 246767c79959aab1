// Package proxy is the egress chokepoint for the sandboxed agent. Every
// outbound HTTP request and CONNECT tunnel passes through the permission
// pipeline before any bytes leave the sandbox.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fishbowl-sh/fishbowl/pkg/rules"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

const connectDialTimeout = 10 * time.Second

type configSource interface {
	Rules() rules.Ruleset
	GetCategoryMode(types.Category) types.Mode
	IsEndpointAllowed(host string) bool
}

type permissionQueue interface {
	Request(category types.Category, action, description, reason string, metadata map[string]any) (string, <-chan bool)
}

// Server is the forward proxy. It serves absolute-form HTTP requests and
// CONNECT tunnels on its own listener, separate from the control plane.
type Server struct {
	cfg       configSource
	queue     permissionQueue
	log       *slog.Logger
	transport http.RoundTripper
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)

	// OnDecision, when set, is invoked with the outcome of every proxied
	// request. The control plane uses it to feed metrics.
	OnDecision func(allowed bool)
}

// New creates a proxy server.
func New(cfg configSource, q permissionQueue, log *slog.Logger) *Server {
	d := &net.Dialer{Timeout: connectDialTimeout}
	return &Server{
		cfg:   cfg,
		queue: q,
		log:   log,
		transport: &http.Transport{
			DialContext:       d.DialContext,
			ForceAttemptHTTP2: false,
			Proxy:             nil,
		},
		dial: d.DialContext,
	}
}

// ServeHTTP dispatches CONNECT tunnels and absolute-form plain HTTP requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleHTTP(w, r)
}

// ──────────────────────────────────────────────────────────────────────────────
// Decision pipeline
// ──────────────────────────────────────────────────────────────────────────────

// decision is the outcome of the shared pipeline for one outbound action.
type decision struct {
	allowed   bool
	requestID string
}

// decide runs the network pipeline for host (bare hostname, no port) with
// action describing the full request. Order: infrastructure allowlist, deny
// rules, allow rules, then category mode. Approve-each blocks on a queued
// permission request.
func (s *Server) decide(host, action, logID string) decision {
	if s.cfg.IsEndpointAllowed(host) {
		return decision{allowed: true}
	}

	switch rules.Evaluate(s.cfg.Rules(), types.CategoryNetwork, host) {
	case rules.VerdictDeny:
		s.log.Info("proxy denied by rule", "id", logID, "host", host)
		return decision{allowed: false}
	case rules.VerdictAllow:
		return decision{allowed: true}
	}

	switch s.cfg.GetCategoryMode(types.CategoryNetwork) {
	case types.ModeAllowAll, types.ModeApproveBulk:
		return decision{allowed: true}
	case types.ModeDenyAll:
		s.log.Info("proxy denied by mode", "id", logID, "host", host)
		return decision{allowed: false}
	}

	id, waiter := s.queue.Request(types.CategoryNetwork, action,
		"Network access to "+host, "",
		map[string]any{"host": host})
	s.log.Info("proxy awaiting approval", "id", logID, "requestId", id, "host", host)
	return decision{allowed: <-waiter, requestID: id}
}

func (s *Server) report(allowed bool) {
	if s.OnDecision != nil {
		s.OnDecision(allowed)
	}
}

// denied writes the plain-text refusal the agent sees. The request id lets
// the agent tell the user which pending decision blocked it; rule and mode
// denials have no id.
func denied(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	if requestID == "" {
		fmt.Fprint(w, "Denied by sandbox")
		return
	}
	fmt.Fprintf(w, "Denied by sandbox (request %s)", requestID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Plain HTTP forwarding
// ──────────────────────────────────────────────────────────────────────────────

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	logID := uuid.NewString()

	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires absolute-form request URIs", http.StatusBadRequest)
		return
	}

	host := r.URL.Hostname()
	action := fmt.Sprintf("%s %s", r.Method, r.URL.String())
	d := s.decide(host, action, logID)
	s.report(d.allowed)
	if !d.allowed {
		denied(w, d.requestID)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Header.Del("Proxy-Connection")
	out.Header.Del("Proxy-Authorization")

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		s.log.Warn("proxy upstream error", "id", logID, "host", host, "error", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.log.Debug("proxy response copy aborted", "id", logID, "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// CONNECT tunneling
// ──────────────────────────────────────────────────────────────────────────────

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	logID := uuid.NewString()

	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}

	d := s.decide(host, "CONNECT "+r.Host, logID)
	s.report(d.allowed)
	if !d.allowed {
		denied(w, d.requestID)
		return
	}

	upstream, err := s.dial(r.Context(), "tcp", r.Host)
	if err != nil {
		s.log.Warn("connect dial failed", "id", logID, "host", r.Host, "error", err)
		http.Error(w, "upstream connection failed", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		s.log.Warn("connect hijack failed", "id", logID, "error", err)
		return
	}

	fmt.Fprint(buf, "HTTP/1.1 200 Connection Established\r\n\r\n")
	if err := buf.Flush(); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	go tunnel(upstream, client)
	go tunnel(client, upstream)
	s.log.Debug("connect tunnel established", "id", logID, "host", r.Host)
}

// tunnel copies one direction of a CONNECT pipe and half-closes on EOF.
func tunnel(dst, src net.Conn) {
	_, _ = io.Copy(dst, src)
	if tc, ok := dst.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	} else {
		_ = dst.Close()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Listener
// ──────────────────────────────────────────────────────────────────────────────

// ListenAndServe runs the proxy on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s,
		// No global timeouts: CONNECT tunnels and approval waits are
		// long-lived by nature.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("proxy listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("proxy.ListenAndServe: %w", err)
	}
}

// HostOf extracts the bare hostname from a proxy target for rule matching.
// Accepts "host:port", absolute URLs, and bare hostnames.
func HostOf(target string) string {
	if strings.Contains(target, "://") {
		if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if host, _, err := net.SplitHostPort(target); err == nil {
		return host
	}
	return target
}
