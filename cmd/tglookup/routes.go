// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"fmt"
	"net/http"

	"go.astrophena.name/tglookup/internal/version"
	"go.astrophena.name/tglookup/internal/web"
)

func (e *engine) initRoutes() {
	e.mux = http.NewServeMux()

	e.mux.HandleFunc("/", e.handleRoot)
	e.mux.HandleFunc("POST /telegram", e.handleTelegramWebhook)

	// Health check.
	health := web.Health(e.mux)
	health.RegisterReadyFunc("bot_ready", func() bool { return e.me != nil })
	health.RegisterReadyFunc("sheets_connected", e.lookup.Connected)
	health.RegisterGaugeFunc("total_clients", e.lookup.TotalClients)

	// Debug routes.
	dbg := web.Debugger(e.mux)
	dbg.KVFunc("Bot", func() any { return "@" + e.tgBotUsername })
	dbg.KVFunc("Index size", func() any { return e.lookup.IndexSize() })
	dbg.KVFunc("Index built", func() any { return ago(e.lookup.LastBuilt()) })
	dbg.KVFunc("Cached rows", func() any { return e.lookup.CacheLen() })
	dbg.KVFunc("Tracked messages", func() any { return e.dedup.Len() })
	dbg.HandleFunc("refresh", "Refresh index", func(w http.ResponseWriter, r *http.Request) {
		if err := e.lookup.Refresh(r.Context()); err != nil {
			web.RespondError(w, r, err)
			return
		}
		http.Redirect(w, r, "/debug/", http.StatusFound)
	})
	// Log streaming.
	e.mux.Handle("/debug/log", e.logStream)
	dbg.Link("/debug/log", "Logs")
}

func (e *engine) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		web.RespondError(w, r, web.ErrNotFound)
		return
	}
	fmt.Fprintf(w, "%s is running.\n", version.CmdName())
}
