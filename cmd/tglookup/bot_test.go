// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/tglookup/internal/request"
	"go.astrophena.name/tglookup/internal/testutil"
	"go.astrophena.name/tglookup/internal/util/set"
	"go.astrophena.name/tglookup/internal/web"
)

func textUpdate(chatType, text string) update {
	upd := update{ID: 1}
	upd.Message = &messageData{
		ID:   10,
		From: &user{ID: 123456789, FirstName: "John", Username: "johndoe"},
		Chat: chat{ID: 1001, Type: chatType, Title: "Test Group"},
		Text: text,
	}
	return upd
}

func sendWebhook(t *testing.T, e *engine, upd update) {
	t.Helper()
	_, err := request.Make[any](t.Context(), request.Params{
		Method: http.MethodPost,
		URL:    "/telegram",
		Body:   upd,
		Headers: map[string]string{
			"X-Telegram-Bot-Api-Secret-Token": e.tgSecret,
		},
		HTTPClient: testutil.MockHTTPClient(e.mux),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWebhookWrongSecret(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e := testEngine(t, m)

	_, err := request.Make[any](t.Context(), request.Params{
		Method: http.MethodPost,
		URL:    "/telegram",
		Body:   textUpdate("private", "001"),
		Headers: map[string]string{
			"X-Telegram-Bot-Api-Secret-Token": "wrong",
		},
		HTTPClient: testutil.MockHTTPClient(e.mux),
	})
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("want *request.StatusError, got %v", err)
	}
	testutil.AssertEqual(t, statusErr.StatusCode, http.StatusNotFound)
	testutil.AssertEqual(t, len(m.sent()), 0)
}

func TestWebhookIgnoresNonMessageUpdates(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e := testEngine(t, m)

	sendWebhook(t, e, update{ID: 1})
	testutil.AssertEqual(t, len(m.sent()), 0)
}

func TestSearchFound(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e := testEngine(t, m)

	sendWebhook(t, e, textUpdate("private", "001"))

	sent := m.sent()
	testutil.AssertEqual(t, len(sent), 1)
	testutil.AssertEqual(t, sent[0].Method, "sendMessage")
	testutil.AssertEqual(t, sent[0].Args["chat_id"], float64(1001))
	testutil.AssertEqual(t, sent[0].Args["text"], `✅ Client found: 001

Client Number: 001
Name: John Doe
Email: john@example.com
City: Lisbon

Requested by @johndoe`)
}

func TestSearchMatchesQueryVariants(t *testing.T) {
	t.Parallel()

	// All of these resolve to the same spreadsheet row.
	for _, query := range []string{"001", " 0001 ", "client 001 please", "1001"} {
		t.Run(query, func(t *testing.T) {
			t.Parallel()

			m := testMux(t, nil)
			e := testEngine(t, m)

			sendWebhook(t, e, textUpdate("private", query))

			sent := m.sent()
			testutil.AssertEqual(t, len(sent), 1)
			want := "Name: John Doe"
			if query == "1001" {
				// 1001 is not a known client and 001 is not its suffix.
				want = "❌ Client 1001 not found."
			}
			if text := sent[0].Args["text"].(string); !strings.Contains(text, want) {
				t.Fatalf("reply should contain %q, got:\n%s", want, text)
			}
		})
	}
}

func TestSearchSuffixMatch(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e := testEngine(t, m)

	sendWebhook(t, e, textUpdate("private", "5551234"))

	sent := m.sent()
	testutil.AssertEqual(t, len(sent), 1)
	if text := sent[0].Args["text"].(string); !strings.Contains(text, "Name: Acme LLC") {
		t.Fatalf("suffix query should find Acme LLC, got:\n%s", text)
	}
}

func TestSearchNotFound(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e := testEngine(t, m)

	sendWebhook(t, e, textUpdate("private", "999"))

	sent := m.sent()
	testutil.AssertEqual(t, len(sent), 1)
	testutil.AssertEqual(t, sent[0].Args["text"], "❌ Client 999 not found.")
}

func TestSearchInvalidNumber(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e := testEngine(t, m)

	sendWebhook(t, e, textUpdate("private", "hello there"))

	sent := m.sent()
	testutil.AssertEqual(t, len(sent), 1)
	testutil.AssertEqual(t, sent[0].Args["text"], "Please send a client number of at least 3 digits.")
}

func TestGroupAddressing(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		update    update
		wantReply string // empty means the message is ignored
	}{
		"unaddressed message is ignored": {
			update: textUpdate("group", "001"),
		},
		"mention is processed and stripped": {
			update:    textUpdate("group", "@lookup_bot 001"),
			wantReply: "Name: John Doe",
		},
		"mention is case-insensitive": {
			update:    textUpdate("supergroup", "@Lookup_Bot 001"),
			wantReply: "Name: John Doe",
		},
		"mention of a similar bot is ignored": {
			update: textUpdate("group", "@lookup_bot2 001"),
		},
		"reply to the bot is processed": {
			update: func() update {
				upd := textUpdate("group", "0002")
				upd.Message.ReplyToMessage = &messageData{From: &user{ID: testBotID}}
				return upd
			}(),
			wantReply: "Name: Jane Roe",
		},
		"reply to someone else is ignored": {
			update: func() update {
				upd := textUpdate("group", "0002")
				upd.Message.ReplyToMessage = &messageData{From: &user{ID: 42}}
				return upd
			}(),
		},
		"mention without a number gets a hint": {
			update:    textUpdate("group", "@lookup_bot what do I do"),
			wantReply: "Please send a client number",
		},
		"channel post is ignored": {
			update: textUpdate("channel", "001"),
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			m := testMux(t, nil)
			e := testEngine(t, m)

			sendWebhook(t, e, tc.update)

			sent := m.sent()
			if tc.wantReply == "" {
				testutil.AssertEqual(t, len(sent), 0)
				return
			}
			testutil.AssertEqual(t, len(sent), 1)
			if text := sent[0].Args["text"].(string); !strings.Contains(text, tc.wantReply) {
				t.Fatalf("reply should contain %q, got:\n%s", tc.wantReply, text)
			}
		})
	}
}

func TestUnauthorizedUser(t *testing.T) {
	t.Parallel()

	t.Run("rejected in private", func(t *testing.T) {
		t.Parallel()

		m := testMux(t, nil)
		e := testEngine(t, m)
		e.authorizedUsers = set.NewFromSlice[int64](555)

		sendWebhook(t, e, textUpdate("private", "001"))

		sent := m.sent()
		testutil.AssertEqual(t, len(sent), 1)
		testutil.AssertEqual(t, sent[0].Args["text"], unauthorizedReply)
	})

	t.Run("ignored in groups", func(t *testing.T) {
		t.Parallel()

		m := testMux(t, nil)
		e := testEngine(t, m)
		e.authorizedUsers = set.NewFromSlice[int64](555)

		sendWebhook(t, e, textUpdate("group", "@lookup_bot 001"))
		testutil.AssertEqual(t, len(m.sent()), 0)
	})

	t.Run("authorized user is served", func(t *testing.T) {
		t.Parallel()

		m := testMux(t, nil)
		e := testEngine(t, m)
		e.authorizedUsers = set.NewFromSlice[int64](123456789)

		sendWebhook(t, e, textUpdate("private", "001"))

		sent := m.sent()
		testutil.AssertEqual(t, len(sent), 1)
		if text := sent[0].Args["text"].(string); !strings.Contains(text, "Name: John Doe") {
			t.Fatalf("authorized user should get a reply, got:\n%s", text)
		}
	})
}

func TestDedup(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e := testEngine(t, m)

	sendWebhook(t, e, textUpdate("private", "001"))
	sendWebhook(t, e, textUpdate("private", "001"))
	testutil.AssertEqual(t, len(m.sent()), 1)

	// A different message from the same user goes through.
	sendWebhook(t, e, textUpdate("private", "0002"))
	testutil.AssertEqual(t, len(m.sent()), 2)
}

func TestWebhookRespondsOKOnLookupError(t *testing.T) {
	t.Parallel()

	m := testMux(t, map[string]http.HandlerFunc{
		getSheetValues: func(w http.ResponseWriter, r *http.Request) {
			web.RespondJSONError(w, r, errors.New("boom"))
		},
	})
	e := testEngine(t, m)

	// sendWebhook fails the test unless the handler responds with 200.
	sendWebhook(t, e, textUpdate("private", "001"))

	sent := m.sent()
	testutil.AssertEqual(t, len(sent), 1)
	testutil.AssertEqual(t, sent[0].Args["text"], internalErrorReply)
}

func TestCommands(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		text         string
		wantReply    string
		wantMarkdown bool
	}{
		"start": {
			text:         "/start",
			wantReply:    "I look up clients",
			wantMarkdown: true,
		},
		"help": {
			text:         "/help",
			wantReply:    "/plogs",
			wantMarkdown: true,
		},
		"whoami": {
			text:      "/whoami",
			wantReply: "user ID 123456789",
		},
		"status": {
			text:      "/status",
			wantReply: "Bot: @lookup_bot",
		},
		"command with bot username suffix": {
			text:      "/status@lookup_bot",
			wantReply: "Bot: @lookup_bot",
		},
		"unknown": {
			text:      "/frobnicate",
			wantReply: unknownCommandReply,
		},
		"stats disabled without logs sheet": {
			text:      "/stats",
			wantReply: logDisabledReply,
		},
		"plogs disabled without logs sheet": {
			text:      "/plogs",
			wantReply: logDisabledReply,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			m := testMux(t, nil)
			e := testEngine(t, m)

			sendWebhook(t, e, textUpdate("private", tc.text))

			sent := m.sent()
			testutil.AssertEqual(t, len(sent), 1)
			if text := sent[0].Args["text"].(string); !strings.Contains(text, tc.wantReply) {
				t.Fatalf("reply should contain %q, got:\n%s", tc.wantReply, text)
			}
			if tc.wantMarkdown {
				testutil.AssertEqual(t, sent[0].Args["parse_mode"], "Markdown")
			} else {
				testutil.AssertEqual(t, sent[0].Args["parse_mode"], nil)
			}
		})
	}
}

func TestCommandInfo(t *testing.T) {
	t.Parallel()

	t.Run("before the index is built", func(t *testing.T) {
		t.Parallel()

		m := testMux(t, nil)
		e := testEngine(t, m)

		sendWebhook(t, e, textUpdate("private", "/info"))

		sent := m.sent()
		testutil.AssertEqual(t, len(sent), 1)
		if text := sent[0].Args["text"].(string); !strings.Contains(text, "hasn't been loaded") {
			t.Fatalf("unexpected reply:\n%s", text)
		}
	})

	t.Run("after the index is built", func(t *testing.T) {
		t.Parallel()

		m := testMux(t, nil)
		e := testEngine(t, m)
		if err := e.lookup.Refresh(t.Context()); err != nil {
			t.Fatal(err)
		}

		sendWebhook(t, e, textUpdate("private", "/info"))

		sent := m.sent()
		testutil.AssertEqual(t, len(sent), 1)
		text := sent[0].Args["text"].(string)
		for _, want := range []string{
			"Columns: Client Number, Name, Email, City",
			"Clients: 3",
		} {
			if !strings.Contains(text, want) {
				t.Fatalf("reply should contain %q, got:\n%s", want, text)
			}
		}
	})
}

func TestCommandStats(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e := testEngine(t, m)
	e.activity.SpreadsheetID = "logs123"

	today := time.Now().Format("2006-01-02")
	m.setValues("Sheet1!A:I", [][]string{
		{"Timestamp", "Level", "User ID", "Username", "Action", "Details", "Chat Type", "Client", "Success"},
		{today + " 10:00:00", "INFO", "123456789", "@johndoe", "SEARCH", "001", "Private", "001", "SUCCESS"},
		{today + " 11:00:00", "INFO", "555", "@jane", "SEARCH", "999", "Group (Test)", "999", "FAILURE"},
		{"2024-01-01 10:00:00", "INFO", "555", "@jane", "COMMAND_START", "/start", "Private", "", ""},
	})

	sendWebhook(t, e, textUpdate("private", "/stats"))

	sent := m.sent()
	testutil.AssertEqual(t, len(sent), 1)
	text := sent[0].Args["text"].(string)
	for _, want := range []string{
		"Log rows: 3 (2 today)",
		"Searches: 2 (1 found, 1 missed)",
		"Users today: 2",
		"Active groups today: 1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("reply should contain %q, got:\n%s", want, text)
		}
	}
}

func TestCommandLogs(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e := testEngine(t, m)
	e.activity.SpreadsheetID = "logs123"

	m.setValues("Sheet1!A:I", [][]string{
		{"Timestamp", "Level", "User ID", "Username", "Action", "Details", "Chat Type", "Client", "Success"},
		{"2026-01-02 10:00:00", "INFO", "123456789", "@johndoe", "SEARCH", "001", "Private", "001", "SUCCESS"},
	})

	sendWebhook(t, e, textUpdate("private", "/plogs"))

	sent := m.sent()
	testutil.AssertEqual(t, len(sent), 1)
	text := sent[0].Args["text"].(string)
	if !strings.Contains(text, "Recent activity:") {
		t.Fatalf("unexpected reply:\n%s", text)
	}
	if !strings.Contains(text, "2026-01-02 10:00:00 | @johndoe | SEARCH | 001 | SUCCESS") {
		t.Fatalf("reply should contain the log row, got:\n%s", text)
	}
}

func TestCutMention(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		text          string
		wantText      string
		wantMentioned bool
	}{
		"leading mention":    {"@lookup_bot 001", "001", true},
		"trailing mention":   {"001 @lookup_bot", "001", true},
		"case-insensitive":   {"@LOOKUP_bot 001", "001", true},
		"similar bot":        {"@lookup_bot2 001", "@lookup_bot2 001", false},
		"no mention":         {"001", "001", false},
		"mention only":       {"@lookup_bot", "", true},
		"mention in command": {"/status@lookup_bot", "/status", true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, mentioned := cutMention(tc.text, "@lookup_bot")
			testutil.AssertEqual(t, got, tc.wantText)
			testutil.AssertEqual(t, mentioned, tc.wantMentioned)
		})
	}
}

func TestIsRateLimited(t *testing.T) {
	t.Parallel()

	limited, wait := isRateLimited(&request.StatusError{
		StatusCode: http.StatusTooManyRequests,
		Body:       []byte(`{"ok":false,"error_code":429,"parameters":{"retry_after":7}}`),
	})
	testutil.AssertEqual(t, limited, true)
	testutil.AssertEqual(t, wait, 7*time.Second)

	limited, _ = isRateLimited(&request.StatusError{StatusCode: http.StatusBadRequest})
	testutil.AssertEqual(t, limited, false)

	limited, _ = isRateLimited(errors.New("boom"))
	testutil.AssertEqual(t, limited, false)
}
