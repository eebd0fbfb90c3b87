// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package sheetlog records bot activity in a spreadsheet.
//
// Every user action becomes one appended row, so the spreadsheet doubles as
// an audit trail readable without any tooling. Appends happen on a single
// background worker fed through a bounded queue; logging never blocks the
// caller, a full queue drops the entry instead.
package sheetlog

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/tglookup/internal/api/sheets"
	"go.astrophena.name/tglookup/internal/logger"
)

const (
	logRange   = "Sheet1!A:I"
	timeFormat = "2006-01-02 15:04:05"
)

// Entry is one activity log record.
type Entry struct {
	Time     time.Time // defaults to now
	Level    string    // "INFO", "WARNING", "ERROR"; defaults to "INFO"
	UserID   int64     // zero for system entries
	Username string
	Action   string
	Details  string
	ChatType string // "Private", "Group (title)" or "System"
	Client   string // looked-up client number, if any
	Success  string // "SUCCESS", "FAILURE" or empty
}

func (e Entry) row() []string {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	level := e.Level
	if level == "" {
		level = "INFO"
	}
	var userID string
	if e.UserID != 0 {
		userID = strconv.FormatInt(e.UserID, 10)
	}
	return []string{
		ts.Format(timeFormat),
		level,
		userID,
		e.Username,
		e.Action,
		e.Details,
		e.ChatType,
		e.Client,
		e.Success,
	}
}

// Logger appends activity entries to a spreadsheet.
//
// Fill in the exported fields, then start the worker with Run. An empty
// SpreadsheetID disables the logger: Log becomes a no-op and Run returns
// immediately.
type Logger struct {
	Sheets        *sheets.Client
	SpreadsheetID string
	QueueSize     int         // 100 if zero
	Logf          logger.Logf // defaults to log.Printf

	initOnce sync.Once
	queue    chan Entry
}

func (l *Logger) init() {
	if l.QueueSize <= 0 {
		l.QueueSize = 100
	}
	if l.Logf == nil {
		l.Logf = log.Printf
	}
	l.queue = make(chan Entry, l.QueueSize)
}

// Enabled reports whether activity logging is configured.
func (l *Logger) Enabled() bool { return l.SpreadsheetID != "" }

// Log queues e for appending. It never blocks: when the queue is full, the
// entry is dropped with a note in the local log.
func (l *Logger) Log(e Entry) {
	l.initOnce.Do(l.init)
	if !l.Enabled() {
		return
	}
	select {
	case l.queue <- e:
	default:
		l.Logf("sheetlog: queue full, dropping %q entry", e.Action)
	}
}

// Run appends queued entries until ctx is canceled.
func (l *Logger) Run(ctx context.Context) {
	l.initOnce.Do(l.init)
	if !l.Enabled() {
		return
	}
	for {
		select {
		case e := <-l.queue:
			if err := l.Sheets.Append(ctx, l.SpreadsheetID, logRange, [][]string{e.row()}); err != nil {
				l.Logf("sheetlog: appending entry: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Recent returns up to n most recent log rows, oldest first. The first
// spreadsheet row is assumed to be a header and skipped.
func (l *Logger) Recent(ctx context.Context, n int) ([][]string, error) {
	rows, err := l.Sheets.Values(ctx, l.SpreadsheetID, logRange)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		rows = rows[1:]
	}
	if len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	return rows, nil
}

// Stats summarizes bot usage recorded in the activity log.
type Stats struct {
	TotalRows   int // all log rows
	Today       int // rows recorded today
	Searches    int // rows whose action is a search
	Succeeded   int // searches marked SUCCESS
	Failed      int // searches marked FAILURE
	UsersToday  int // unique users seen today
	GroupsToday int // unique group chats seen today
}

// Stats aggregates the activity log.
func (l *Logger) Stats(ctx context.Context) (*Stats, error) {
	rows, err := l.Sheets.Values(ctx, l.SpreadsheetID, logRange)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		rows = rows[1:]
	}

	today := time.Now().Format("2006-01-02")
	st := &Stats{TotalRows: len(rows)}
	users := make(map[string]bool)
	groups := make(map[string]bool)

	for _, row := range rows {
		col := func(i int) string {
			if i < len(row) {
				return row[i]
			}
			return ""
		}

		isToday := strings.HasPrefix(col(0), today)
		if isToday {
			st.Today++
			if u := col(2); u != "" {
				users[u] = true
			}
			if ct := col(6); strings.HasPrefix(ct, "Group") {
				groups[ct] = true
			}
		}
		if strings.Contains(col(4), "SEARCH") {
			st.Searches++
			switch col(8) {
			case "SUCCESS":
				st.Succeeded++
			case "FAILURE":
				st.Failed++
			}
		}
	}

	st.UsersToday = len(users)
	st.GroupsToday = len(groups)
	return st, nil
}
