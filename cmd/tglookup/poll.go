// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"net/http"
	"time"

	"go.astrophena.name/tglookup/internal/request"
	"go.astrophena.name/tglookup/internal/util/syncx"
)

const (
	longPollTimeout = 50 // in seconds, as Telegram counts them
	pollRetryDelay  = 5 * time.Second
	pollWorkers     = 8
)

// https://core.telegram.org/bots/api#getupdates
type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

// poll receives updates over a getUpdates long poll. It returns only when
// ctx is canceled; transient errors are logged and retried.
func (e *engine) poll(ctx context.Context) {
	// Polling and a webhook are mutually exclusive. The backlog is dropped
	// too: replaying stale messages after downtime would confuse everyone.
	if err := e.telegramCall(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": true}); err != nil {
		e.logf("Deleting webhook before polling failed: %v", err)
	}
	e.logf("Polling for updates as @%s.", e.tgBotUsername)

	lwg := syncx.NewLimitedWaitGroup(pollWorkers)
	defer lwg.Wait()

	var offset int64
	for ctx.Err() == nil {
		resp, err := request.Make[updatesResponse](ctx, request.Params{
			Method: http.MethodPost,
			URL:    tgAPI + "/bot" + e.tgToken + "/getUpdates",
			Body: map[string]any{
				"offset":          offset,
				"timeout":         longPollTimeout,
				"allowed_updates": []string{"message"},
			},
			HTTPClient: e.httpc,
			Scrubber:   e.scrubber,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logf("Polling for updates failed: %v", err)
			if !sleep(ctx, pollRetryDelay) {
				return
			}
			continue
		}

		for i := range resp.Result {
			upd := &resp.Result[i]
			offset = upd.ID + 1
			lwg.Add(1)
			go func() {
				defer lwg.Done()
				if err := e.handleUpdate(ctx, upd); err != nil {
					e.reportError(ctx, err)
				}
			}()
		}
	}
}
