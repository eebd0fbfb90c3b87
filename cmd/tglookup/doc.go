// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Tglookup is a Telegram bot that looks up clients in a Google Sheets
spreadsheet.

Send the bot a client number and it replies with the matching spreadsheet row,
one "Header: value" line per column. In groups the bot only reacts when
mentioned or when the message replies to one of its own.

The spreadsheet is read through a Google service account. The first row of
Sheet1 must contain column headers; the identifier column is the first header
containing "client", "number", "id" or "code" (column A otherwise).
Identifiers are matched on their digits, ignoring leading zeros, with a
suffix match as a fallback, so "001", "1" and a number stored with a country
code all resolve to the same row. The identifier index is rebuilt when older
than INDEX_TTL_SECONDS; rows are fetched on demand and kept in a small LRU
cache.

# Usage

	$ tglookup [flags...]

By default tglookup receives updates by long polling, which needs no public
URL and suits development. With the -prod flag it registers a webhook at
WEBHOOK_URL and serves updates at /telegram, validating the
X-Telegram-Bot-Api-Secret-Token header. The -setup-webhook flag registers
the webhook once (generating a secret when none is configured), prints the
webhook state and exits.

# Commands

  - /start: greets the user.
  - /help: explains how to use the bot.
  - /info: describes the loaded dataset.
  - /status: reports the state of every subsystem.
  - /whoami: tells the user who they are to the bot.
  - /stats: aggregates the activity log.
  - /plogs: shows recent activity log rows.

Any other text is treated as a client number query.

# Environment Variables

The tglookup program relies on the following environment variables:

  - TELEGRAM_BOT_TOKEN: Telegram bot token. Required.
  - SPREADSHEET_ID: ID of the Google Sheets spreadsheet to look clients up
    in. Required.
  - SERVICE_ACCOUNT_KEY: JSON string representing the Google service account
    key. Either this or GOOGLE_APPLICATION_CREDENTIALS is required.
  - GOOGLE_APPLICATION_CREDENTIALS: path to the service account key file.
  - LOGS_SHEET_ID: ID of the spreadsheet receiving the activity log. The log
    and the /stats and /plogs commands are disabled when unset.
    LOGS_SPREADSHEET_ID is accepted as an alias.
  - AUTHORIZED_USERS: comma-separated list of Telegram user IDs allowed to
    use the bot. Everyone is allowed when unset.
  - ADMIN_CHAT_ID: Telegram chat that receives error reports.
  - WEBHOOK_URL: public URL of the service, used to register the webhook.
  - WEBHOOK_SECRET_TOKEN: secret expected in webhook requests.
  - STATE: where to persist the identifier index between restarts: empty
    keeps it in memory, a file path stores it in a JSON file (or SQLite
    when the path ends in .db), a postgres:// URL stores it in PostgreSQL.
  - INDEX_TTL_SECONDS: how long a built index stays fresh. Defaults to 600.
  - ROW_CACHE_SIZE: how many fetched rows to cache. Defaults to 200.
  - MIN_CLIENT_NUMBER_LENGTH: the shortest digit run treated as a client
    number. Defaults to 3.
  - DEDUP_WINDOW_SECONDS: how long identical messages are suppressed.
    Defaults to 30.
  - PORT: port the HTTP server listens on. Defaults to 8080.
  - EXIT_IDLE_TIME: when the service is socket-activated by systemd, exit
    after this period (for example, "30m") without HTTP requests.

In development a .env file in the current directory is loaded when present.

# HTTP Interface

Tglookup serves a health document at /health, reporting whether the bot is
registered with Telegram and the spreadsheet is reachable, and a debug
interface at /debug with index and cache gauges, log streaming at /debug/log
and a manual index refresh at /debug/refresh.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/tglookup/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
