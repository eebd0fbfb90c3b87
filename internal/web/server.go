// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/tglookup/internal/logger"
	"go.astrophena.name/tglookup/internal/systemd"
)

// Middleware is a function that wraps an [http.Handler] with additional
// behavior.
type Middleware func(http.Handler) http.Handler

// Server is used to configure the HTTP server started by
// [Server.ListenAndServe].
//
// All fields of Server can't be modified after [Server.ListenAndServe] or
// [Server.ServeHTTP] is called for the first time.
type Server struct {
	// Addr is a network address to listen on (in the form of "host:port").
	Addr string
	// Mux is a http.ServeMux to serve.
	Mux *http.ServeMux
	// Logf specifies a logger to use. If nil, log.Printf is used.
	Logf logger.Logf
	// Debuggable specifies whether to register debug handlers at /debug/.
	Debuggable bool
	// DebugAuth specifies an optional function that's invoked on every request to
	// debug handlers at /debug/ to allow or deny access to them. If not provided,
	// all access is allowed.
	DebugAuth func(r *http.Request) bool
	// Ready specifies an optional function to be called when the server is ready
	// to serve requests.
	Ready func()
	// Middleware specifies an optional list of middleware to wrap Mux with.
	Middleware []Middleware
	// NotifySystemd specifies whether to notify systemd when the server is ready
	// and keep updating its watchdog timestamp.
	NotifySystemd bool

	initOnce sync.Once
	handler  http.Handler
}

var (
	errNoAddr = errors.New("s.Addr is empty")
	errNilMux = errors.New("s.Mux is nil")
)

const cspHeader = "default-src 'self'; style-src 'self' 'unsafe-inline'"

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referer-Policy", "same-origin")
		w.Header().Set("Content-Security-Policy", cspHeader)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) init() {
	if s.Logf == nil {
		s.Logf = log.Printf
	}

	Health(s.Mux)
	if s.Debuggable {
		Debugger(s.Mux)
	}

	protectDebug := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/debug/") || s.DebugAuth == nil {
				next.ServeHTTP(w, r)
				return
			}
			// If access denied, pretend that debug endpoints don't exist.
			if !s.DebugAuth(r) {
				RespondError(w, r, ErrNotFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	handler := http.Handler(s.Mux)
	for i := len(s.Middleware) - 1; i >= 0; i-- {
		handler = s.Middleware[i](handler)
	}
	handler = protectDebug(handler)
	s.handler = securityHeaders(handler)
}

// ServeHTTP implements the [http.Handler] interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.initOnce.Do(s.init)
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server that can be stopped by canceling ctx.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Addr == "" {
		return errNoAddr
	}
	if s.Mux == nil {
		return errNilMux
	}
	s.initOnce.Do(s.init)

	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	defer l.Close()
	s.Logf("Listening on %s...", l.Addr().String())

	hs := &http.Server{
		ErrorLog: log.New(s.Logf, "", 0),
		Handler:  s,
		BaseContext: func(net.Listener) context.Context {
			// Request contexts carry values from ctx but not its cancelation, so
			// in-flight requests can finish during graceful shutdown.
			return context.WithoutCancel(ctx)
		},
	}
	if s.Debuggable {
		Debugger(s.Mux).Handle("conns", "Connections", Conns(hs))
	}

	errCh := make(chan error, 1)

	go func() {
		if err := hs.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				errCh <- err
			}
		}
	}()

	if s.Ready != nil {
		s.Ready()
	}
	if s.NotifySystemd {
		systemd.Notify(s.Logf, systemd.Ready)
		go systemd.WatchdogLoop(ctx, s.Logf)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.Logf("Gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	return nil
}
