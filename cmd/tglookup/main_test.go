// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/tglookup/internal/api/google/serviceaccount"
	"go.astrophena.name/tglookup/internal/api/sheets"
	"go.astrophena.name/tglookup/internal/cli"
	"go.astrophena.name/tglookup/internal/cli/clitest"
	"go.astrophena.name/tglookup/internal/request"
	"go.astrophena.name/tglookup/internal/testutil"
	"go.astrophena.name/tglookup/internal/util/set"
	"go.astrophena.name/tglookup/internal/web"
)

// Typical Telegram Bot API token, copied from docs.
const tgToken = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11"

const (
	testBotID       = 987654321
	testBotUsername = "lookup_bot"
)

var testKey = sync.OnceValue(func() *serviceaccount.Key {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k),
	})
	return &serviceaccount.Key{
		PrivateKey:  string(pemKey),
		ClientEmail: "bot@project.iam.gserviceaccount.com",
		TokenURI:    "https://oauth2.example.com/token",
	}
})

func testKeyJSON(t *testing.T) string {
	b, err := json.Marshal(testKey())
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRun(t *testing.T) {
	t.Parallel()

	clitest.Run(t, func(t *testing.T) *engine {
		e := new(engine)
		e.httpc = testutil.MockHTTPClient(testMux(t, nil).mux)
		e.noServerStart = true
		return e
	}, map[string]clitest.Case[*engine]{
		"prints usage with help flag": {
			Args:    []string{"-h"},
			WantErr: flag.ErrHelp,
		},
		"version": {
			Args:    []string{"-version"},
			WantErr: cli.ErrExitVersion,
		},
		"fails without bot token": {
			Args:    []string{},
			WantErr: errNoToken,
		},
		"fails without spreadsheet ID": {
			Args: []string{},
			Env: map[string]string{
				"TELEGRAM_BOT_TOKEN": tgToken,
			},
			WantErr: errNoSpreadsheet,
		},
		"fails without service account key": {
			Args: []string{},
			Env: map[string]string{
				"TELEGRAM_BOT_TOKEN": tgToken,
				"SPREADSHEET_ID":     "spreadsheet123",
			},
			WantErr: errNoKey,
		},
		"fails with malformed index TTL": {
			Args: []string{},
			Env: map[string]string{
				"TELEGRAM_BOT_TOKEN": tgToken,
				"SPREADSHEET_ID":     "spreadsheet123",
				"INDEX_TTL_SECONDS":  "soon",
			},
			WantErr: cli.ErrInvalidArgs,
		},
		"fails with malformed authorized users": {
			Args: []string{},
			Env: map[string]string{
				"TELEGRAM_BOT_TOKEN": tgToken,
				"SPREADSHEET_ID":     "spreadsheet123",
				"AUTHORIZED_USERS":   "123,abc",
			},
			WantErr: cli.ErrInvalidArgs,
		},
		"sets config from env": {
			Args: []string{},
			Env: map[string]string{
				"TELEGRAM_BOT_TOKEN":  tgToken,
				"SPREADSHEET_ID":      "spreadsheet123",
				"SERVICE_ACCOUNT_KEY": testKeyJSON(t),
				"INDEX_TTL_SECONDS":   "300",
				"AUTHORIZED_USERS":    "123456789, 555",
			},
			CheckFunc: func(t *testing.T, e *engine) {
				testutil.AssertEqual(t, e.tgToken, tgToken)
				testutil.AssertEqual(t, e.spreadsheetID, "spreadsheet123")
				testutil.AssertEqual(t, e.indexTTL, 5*time.Minute)
				testutil.AssertEqual(t, e.authorizedUsers.Len(), 2)
				testutil.AssertEqual(t, e.tgBotUsername, testBotUsername)
			},
		},
	})
}

func TestParseAuthorizedUsers(t *testing.T) {
	t.Parallel()

	users, err := parseAuthorizedUsers(" 123456789, 555 ,")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, users, set.NewFromSlice[int64](123456789, 555))

	users, err = parseAuthorizedUsers("")
	if err != nil {
		t.Fatal(err)
	}
	if users != nil {
		t.Fatalf("empty list should parse to nil, got %v", users)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	e := testEngine(t, testMux(t, nil))

	health := fetchHealth(t, e)
	testutil.AssertEqual(t, health["status"], "starting")
	testutil.AssertEqual(t, health["bot_ready"], true)
	testutil.AssertEqual(t, health["sheets_connected"], false)
	testutil.AssertEqual(t, health["total_clients"], float64(0))

	if err := e.lookup.Refresh(t.Context()); err != nil {
		t.Fatal(err)
	}

	health = fetchHealth(t, e)
	testutil.AssertEqual(t, health["status"], "running")
	testutil.AssertEqual(t, health["sheets_connected"], true)
	testutil.AssertEqual(t, health["total_clients"], float64(3))
}

func fetchHealth(t *testing.T, e *engine) map[string]any {
	t.Helper()
	health, err := request.Make[map[string]any](t.Context(), request.Params{
		Method:     http.MethodGet,
		URL:        "/health",
		HTTPClient: testutil.MockHTTPClient(e.mux),
	})
	if err != nil {
		t.Fatal(err)
	}
	return health
}

func TestSetWebhookRequiresSecret(t *testing.T) {
	t.Parallel()

	e := testEngine(t, testMux(t, nil))
	e.tgSecret = ""
	e.webhookURL = "https://bot.example.com"

	err := e.setWebhook(t.Context())
	if err == nil || err != errNoSecret {
		t.Fatalf("want %v, got %v", errNoSecret, err)
	}
}

func TestRegisterWebhook(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e := testEngine(t, m)
	e.tgSecret = ""
	e.webhookURL = "bot.example.com"

	var buf bytes.Buffer
	if err := e.registerWebhook(t.Context(), &buf); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "Generated webhook secret:") {
		t.Fatalf("output should contain the generated secret, got:\n%s", out)
	}
	if !strings.Contains(out, "Webhook URL: https://bot.example.com/telegram") {
		t.Fatalf("output should contain the webhook URL, got:\n%s", out)
	}

	var wh *call
	for _, c := range m.sent() {
		if c.Method == "setWebhook" {
			wh = &c
			break
		}
	}
	if wh == nil {
		t.Fatal("setWebhook was not called")
	}
	testutil.AssertEqual(t, wh.Args["url"], "https://bot.example.com/telegram")
	testutil.AssertEqual(t, wh.Args["secret_token"], e.tgSecret)
}

func testEngine(t *testing.T, m *mux) *engine {
	t.Helper()
	e := &engine{
		addr:          "localhost:3000",
		dedupWindow:   30 * time.Second,
		httpc:         testutil.MockHTTPClient(m.mux),
		indexTTL:      10 * time.Minute,
		minQueryLen:   3,
		rowCacheSize:  200,
		saKey:         testKeyJSON(t),
		spreadsheetID: "spreadsheet123",
		tgSecret:      "test",
		tgToken:       tgToken,
	}
	if err := e.init.Get(func() error {
		return e.doInit(t.Context())
	}); err != nil {
		t.Fatal(err)
	}
	return e
}

type mux struct {
	mux           *http.ServeMux
	mu            sync.Mutex
	values        map[string][][]string
	telegramCalls []call
	appended      []sheets.ValueRange
}

type call struct {
	Method string         `json:"method"`
	Args   map[string]any `json:"args"`
}

func (m *mux) sent() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.telegramCalls)
}

func (m *mux) setValues(a1Range string, values [][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[a1Range] = values
}

// sheetValues returns the canned responses for the ranges that the lookup
// service requests when working with the standard fixture dataset.
func sheetValues() map[string][][]string {
	return map[string][][]string{
		"Sheet1!1:1":   {{"Client Number", "Name", "Email", "City"}},
		"Sheet1!A2:A":  {{"001"}, {"0002"}, {"525551234"}},
		"Sheet1!A:A":   {{"Client Number"}, {"001"}, {"0002"}, {"525551234"}},
		"Sheet1!A2:D2": {{"001", "John Doe", "john@example.com", "Lisbon"}},
		"Sheet1!A3:D3": {{"0002", "Jane Roe", "jane@example.com", "Porto"}},
		"Sheet1!A4:D4": {{"525551234", "Acme LLC", "info@acme.example", "Faro"}},
	}
}

const (
	getMeTelegram          = "GET api.telegram.org/{token}/getMe"
	getWebhookInfoTelegram = "GET api.telegram.org/{token}/getWebhookInfo"
	postTelegram           = "POST api.telegram.org/{token}/{method}"
	postToken              = "POST oauth2.example.com/token"
	getSheetValues         = "GET sheets.googleapis.com/v4/spreadsheets/{id}/values/{range}"
	postSheetValues        = "POST sheets.googleapis.com/v4/spreadsheets/{id}/values/{rest}"
)

func testMux(t *testing.T, overrides map[string]http.HandlerFunc) *mux {
	m := &mux{mux: http.NewServeMux(), values: sheetValues()}
	m.mux.HandleFunc(getMeTelegram, orHandler(overrides[getMeTelegram], func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, tgToken, strings.TrimPrefix(r.PathValue("token"), "bot"))
		var resp getMeResponse
		resp.OK = true
		resp.Result.ID = testBotID
		resp.Result.IsBot = true
		resp.Result.Username = testBotUsername
		web.RespondJSON(w, resp)
	}))
	m.mux.HandleFunc(getWebhookInfoTelegram, orHandler(overrides[getWebhookInfoTelegram], func(w http.ResponseWriter, r *http.Request) {
		var resp webhookInfoResponse
		resp.OK = true
		resp.Result.URL = "https://bot.example.com/telegram"
		web.RespondJSON(w, resp)
	}))
	m.mux.HandleFunc(postTelegram, orHandler(overrides[postTelegram], func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, tgToken, strings.TrimPrefix(r.PathValue("token"), "bot"))
		m.mu.Lock()
		defer m.mu.Unlock()
		var args map[string]any
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			t.Fatal(err)
		}
		m.telegramCalls = append(m.telegramCalls, call{
			Method: r.PathValue("method"),
			Args:   args,
		})
		web.RespondJSON(w, map[string]bool{"ok": true})
	}))
	m.mux.HandleFunc(postToken, orHandler(overrides[postToken], func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, map[string]string{"access_token": "test-token"})
	}))
	m.mux.HandleFunc(getSheetValues, orHandler(overrides[getSheetValues], func(w http.ResponseWriter, r *http.Request) {
		a1 := r.PathValue("range")
		m.mu.Lock()
		vals := m.values[a1]
		m.mu.Unlock()
		web.RespondJSON(w, sheets.ValueRange{Range: a1, Values: vals})
	}))
	m.mux.HandleFunc(postSheetValues, orHandler(overrides[postSheetValues], func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.PathValue("rest"), ":append") {
			t.Fatalf("unexpected POST to values endpoint: %s", r.URL)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		var vr sheets.ValueRange
		if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
			t.Fatal(err)
		}
		m.appended = append(m.appended, vr)
		web.RespondJSON(w, map[string]string{"status": "ok"})
	}))
	for pat, h := range overrides {
		switch pat {
		case getMeTelegram, getWebhookInfoTelegram, postTelegram, postToken, getSheetValues, postSheetValues:
			continue
		}
		m.mux.HandleFunc(pat, h)
	}
	return m
}

func orHandler(hh ...http.HandlerFunc) http.HandlerFunc {
	for _, h := range hh {
		if h != nil {
			return h
		}
	}
	return nil
}
