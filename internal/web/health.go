// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"net/http"
	"net/url"
	"time"

	"go.astrophena.name/tglookup/internal/util/syncx"
)

// Health returns the [HealthHandler] registered on mux at /health, creating it
// if necessary.
func Health(mux *http.ServeMux) *HealthHandler {
	h, pat := mux.Handler(&http.Request{URL: &url.URL{Path: "/health"}})
	if hh, ok := h.(*HealthHandler); ok && pat == "/health" {
		return hh
	}
	ret := &HealthHandler{
		ready:  syncx.Protect(make(map[string]ReadyFunc)),
		gauges: syncx.Protect(make(map[string]GaugeFunc)),
	}
	mux.Handle("/health", ret)
	return ret
}

// HealthHandler is an HTTP handler that reports the readiness of the running
// service as a flat JSON document.
//
// The response always carries HTTP 200. The status field is "running" when
// every registered readiness function reports true, and "starting" otherwise;
// each readiness function and gauge appears as a field named after it.
type HealthHandler struct {
	ready  *syncx.Protected[map[string]ReadyFunc]
	gauges *syncx.Protected[map[string]GaugeFunc]
}

// ReadyFunc is a function that reports whether a particular subsystem is
// ready.
type ReadyFunc func() bool

// GaugeFunc is a function that reports an integer value describing a
// particular subsystem.
type GaugeFunc func() int

// RegisterReadyFunc registers the readiness function by the given name. If a
// function with this name already exists, RegisterReadyFunc panics.
//
// Readiness function must be safe for concurrent use.
func (h *HealthHandler) RegisterReadyFunc(name string, f ReadyFunc) {
	h.ready.Access(func(m map[string]ReadyFunc) {
		if _, dup := m[name]; dup {
			panic("health: readiness function with this name already exists")
		}
		m[name] = f
	})
}

// RegisterGaugeFunc registers the gauge function by the given name. If a
// function with this name already exists, RegisterGaugeFunc panics.
//
// Gauge function must be safe for concurrent use.
func (h *HealthHandler) RegisterGaugeFunc(name string, f GaugeFunc) {
	h.gauges.Access(func(m map[string]GaugeFunc) {
		if _, dup := m[name]; dup {
			panic("health: gauge function with this name already exists")
		}
		m[name] = f
	})
}

// ServeHTTP implements the [http.Handler] interface.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := make(map[string]any)

	running := true
	h.ready.RAccess(func(m map[string]ReadyFunc) {
		for name, f := range m {
			ok := f()
			if !ok {
				running = false
			}
			resp[name] = ok
		}
	})
	h.gauges.RAccess(func(m map[string]GaugeFunc) {
		for name, f := range m {
			resp[name] = f()
		}
	})

	resp["status"] = "starting"
	if running {
		resp["status"] = "running"
	}
	resp["timestamp"] = time.Now().Unix()

	RespondJSON(w, resp)
}
