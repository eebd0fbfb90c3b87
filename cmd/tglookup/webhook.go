// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.astrophena.name/tglookup/internal/request"

	"github.com/google/uuid"
)

var (
	errNoWebhookURL = errors.New("webhook URL hasn't been set; pass it with the WEBHOOK_URL environment variable")
	errNoSecret     = errors.New("webhook secret hasn't been set; pass it with the WEBHOOK_SECRET_TOKEN environment variable or generate one with -setup-webhook")
)

func (e *engine) webhookEndpoint() (string, error) {
	if e.webhookURL == "" {
		return "", errNoWebhookURL
	}
	raw := e.webhookURL
	// A bare domain would otherwise parse as a path.
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("WEBHOOK_URL: %v", err)
	}
	u.Path = "/telegram"
	return u.String(), nil
}

func (e *engine) setWebhook(ctx context.Context) error {
	// An empty secret would turn the update check in the webhook handler
	// into a no-op.
	if e.tgSecret == "" {
		return errNoSecret
	}
	endpoint, err := e.webhookEndpoint()
	if err != nil {
		return err
	}
	return e.telegramCall(ctx, "setWebhook", map[string]any{
		"url":             endpoint,
		"secret_token":    e.tgSecret,
		"allowed_updates": []string{"message"},
	})
}

// registerWebhook implements the -setup-webhook flag: it registers the
// webhook once, generating a secret when none is configured, then prints the
// webhook state reported by Telegram.
func (e *engine) registerWebhook(ctx context.Context, w io.Writer) error {
	var generated bool
	if e.tgSecret == "" {
		e.tgSecret = uuid.NewString()
		generated = true
	}
	if err := e.setWebhook(ctx); err != nil {
		return err
	}
	if generated {
		fmt.Fprintf(w, "Generated webhook secret: %s\n", e.tgSecret)
		fmt.Fprintf(w, "Pass it to the service with the WEBHOOK_SECRET_TOKEN environment variable.\n")
	}

	info, err := e.getWebhookInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Webhook URL: %s\n", info.Result.URL)
	fmt.Fprintf(w, "Pending updates: %d\n", info.Result.PendingUpdateCount)
	if info.Result.LastErrorMessage != "" {
		fmt.Fprintf(w, "Last error: %s (%s)\n", info.Result.LastErrorMessage, time.Unix(info.Result.LastErrorDate, 0).Format(time.DateTime))
	}
	return nil
}

// https://core.telegram.org/bots/api#webhookinfo
type webhookInfoResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		URL                string `json:"url"`
		PendingUpdateCount int    `json:"pending_update_count"`
		LastErrorDate      int64  `json:"last_error_date"`
		LastErrorMessage   string `json:"last_error_message"`
	} `json:"result"`
}

func (e *engine) getWebhookInfo(ctx context.Context) (webhookInfoResponse, error) {
	return request.Make[webhookInfoResponse](ctx, request.Params{
		Method:     http.MethodGet,
		URL:        tgAPI + "/bot" + e.tgToken + "/getWebhookInfo",
		HTTPClient: e.httpc,
		Scrubber:   e.scrubber,
	})
}
