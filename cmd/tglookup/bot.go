// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/tglookup/internal/lookup"
	"go.astrophena.name/tglookup/internal/request"
	"go.astrophena.name/tglookup/internal/sheetlog"
	"go.astrophena.name/tglookup/internal/version"
	"go.astrophena.name/tglookup/internal/web"
)

// https://core.telegram.org/bots/api#update
type update struct {
	ID      int64        `json:"update_id"`
	Message *messageData `json:"message"`
}

// https://core.telegram.org/bots/api#message
type messageData struct {
	ID             int64        `json:"message_id"`
	From           *user        `json:"from"`
	Chat           chat         `json:"chat"`
	Text           string       `json:"text"`
	ReplyToMessage *messageData `json:"reply_to_message"`
}

// https://core.telegram.org/bots/api#user
type user struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// https://core.telegram.org/bots/api#chat
type chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

func (e *engine) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != e.tgSecret {
		web.RespondJSONError(w, r, web.ErrNotFound)
		return
	}

	var upd update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		web.RespondJSONError(w, r, err)
		return
	}

	if err := e.handleUpdate(r.Context(), &upd); err != nil {
		e.reportError(r.Context(), err)
	}

	// Don't respond with an error because Telegram will keep retrying the
	// update until it gets 200.
	jsonOK(w)
}

func (e *engine) handleUpdate(ctx context.Context, upd *update) error {
	msg := upd.Message
	if msg == nil || msg.From == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	isPrivate := msg.Chat.Type == "private"
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	if !isPrivate && !isGroup {
		return nil
	}

	// In groups the bot only reacts when mentioned or when the message
	// replies to one of its own.
	var mentioned bool
	if isGroup {
		text, mentioned = cutMention(text, "@"+e.tgBotUsername)
		replyToBot := msg.ReplyToMessage != nil &&
			msg.ReplyToMessage.From != nil &&
			msg.ReplyToMessage.From.ID == e.tgBotID
		if !mentioned && !replyToBot {
			return nil
		}
	}

	if !e.authorized(msg.From.ID) {
		e.logActivity(msg, "UNAUTHORIZED", text, "", "")
		if isPrivate {
			return e.reply(ctx, msg.Chat.ID, unauthorizedReply)
		}
		return nil
	}

	// Telegram resends updates it considers undelivered and users
	// double-send when the bot is slow to answer.
	if !e.dedup.Allow(msg.Chat.ID, msg.From.ID, text) {
		return nil
	}

	if strings.HasPrefix(text, "/") {
		return e.handleCommand(ctx, msg, text)
	}
	return e.handleSearch(ctx, msg, text, isPrivate || mentioned)
}

const (
	unauthorizedReply   = "Sorry, you are not authorized to use this bot."
	unknownCommandReply = "Unknown command. Send /help to see what I can do."
	internalErrorReply  = "Something went wrong while looking that up. Please try again later."
	logDisabledReply    = "The activity log is not configured."

	startReply = `👋 Hi! I look up clients in the company spreadsheet.

Send me a client number and I will reply with everything I know about it. Send /help for details.`
)

func (e *engine) helpReply() string {
	return fmt.Sprintf(`*How to use this bot*

Send a client number (at least %d digits) and I will look it up in the spreadsheet. In groups, mention me or reply to one of my messages.

Commands:
/info - loaded dataset
/status - service status
/whoami - who you are to me
/stats - usage statistics
/plogs - recent activity`, e.minQueryLen)
}

func (e *engine) handleCommand(ctx context.Context, msg *messageData, text string) error {
	cmd, _, _ := strings.Cut(text, " ")
	// In groups commands arrive suffixed with the bot username.
	if at := strings.Index(cmd, "@"); at != -1 {
		cmd = cmd[:at]
	}

	e.logActivity(msg, "COMMAND_"+strings.ToUpper(strings.TrimPrefix(cmd, "/")), text, "", "")

	switch cmd {
	case "/start":
		return e.replyMarkdown(ctx, msg.Chat.ID, startReply)
	case "/help":
		return e.replyMarkdown(ctx, msg.Chat.ID, e.helpReply())
	case "/info":
		return e.commandInfo(ctx, msg)
	case "/status":
		return e.commandStatus(ctx, msg)
	case "/whoami":
		return e.commandWhoami(ctx, msg)
	case "/stats":
		return e.commandStats(ctx, msg)
	case "/plogs":
		return e.commandLogs(ctx, msg)
	}
	return e.reply(ctx, msg.Chat.ID, unknownCommandReply)
}

func (e *engine) commandInfo(ctx context.Context, msg *messageData) error {
	headers := e.lookup.Headers()
	if len(headers) == 0 {
		return e.reply(ctx, msg.Chat.ID, "The dataset hasn't been loaded yet. Try again in a minute.")
	}
	var sb strings.Builder
	sb.WriteString("Loaded dataset\n\n")
	fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(headers, ", "))
	fmt.Fprintf(&sb, "Clients: %d\n", e.lookup.TotalClients())
	fmt.Fprintf(&sb, "Updated: %s", ago(e.lookup.LastBuilt()))
	return e.reply(ctx, msg.Chat.ID, sb.String())
}

func (e *engine) commandStatus(ctx context.Context, msg *messageData) error {
	var sb strings.Builder
	sb.WriteString("Status\n\n")
	fmt.Fprintf(&sb, "Bot: @%s\n", e.tgBotUsername)
	if e.lookup.Connected() {
		sb.WriteString("Sheets: connected\n")
	} else {
		sb.WriteString("Sheets: unreachable\n")
	}
	fmt.Fprintf(&sb, "Index: %d identifiers, built %s\n", e.lookup.IndexSize(), ago(e.lookup.LastBuilt()))
	fmt.Fprintf(&sb, "Row cache: %d rows\n", e.lookup.CacheLen())
	fmt.Fprintf(&sb, "Tracked messages: %d\n", e.dedup.Len())
	fmt.Fprintf(&sb, "Version: %s", version.Version().Version)
	return e.reply(ctx, msg.Chat.ID, sb.String())
}

func (e *engine) commandWhoami(ctx context.Context, msg *messageData) error {
	u := msg.From
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s", u.FirstName)
	if u.Username != "" {
		fmt.Fprintf(&sb, " (@%s)", u.Username)
	}
	fmt.Fprintf(&sb, ", user ID %d.\n", u.ID)
	if e.authorized(u.ID) {
		sb.WriteString("You are authorized to use this bot.")
	} else {
		sb.WriteString("You are not authorized to use this bot.")
	}
	return e.reply(ctx, msg.Chat.ID, sb.String())
}

func (e *engine) commandStats(ctx context.Context, msg *messageData) error {
	if !e.activity.Enabled() {
		return e.reply(ctx, msg.Chat.ID, logDisabledReply)
	}
	stats, err := e.activity.Stats(ctx)
	if err != nil {
		if replyErr := e.reply(ctx, msg.Chat.ID, internalErrorReply); replyErr != nil {
			e.logf("Replying to /stats failed: %v", replyErr)
		}
		return err
	}
	var sb strings.Builder
	sb.WriteString("Usage statistics\n\n")
	fmt.Fprintf(&sb, "Log rows: %d (%d today)\n", stats.TotalRows, stats.Today)
	fmt.Fprintf(&sb, "Searches: %d (%d found, %d missed)\n", stats.Searches, stats.Succeeded, stats.Failed)
	fmt.Fprintf(&sb, "Users today: %d\n", stats.UsersToday)
	fmt.Fprintf(&sb, "Active groups today: %d", stats.GroupsToday)
	return e.reply(ctx, msg.Chat.ID, sb.String())
}

const recentLogLines = 50

func (e *engine) commandLogs(ctx context.Context, msg *messageData) error {
	if !e.activity.Enabled() {
		return e.reply(ctx, msg.Chat.ID, logDisabledReply)
	}
	rows, err := e.activity.Recent(ctx, recentLogLines)
	if err != nil {
		if replyErr := e.reply(ctx, msg.Chat.ID, internalErrorReply); replyErr != nil {
			e.logf("Replying to /plogs failed: %v", replyErr)
		}
		return err
	}
	if len(rows) == 0 {
		return e.reply(ctx, msg.Chat.ID, "The activity log is empty.")
	}
	var sb strings.Builder
	sb.WriteString("Recent activity:\n")
	for _, row := range rows {
		sb.WriteString("\n" + logLine(row))
	}
	return e.reply(ctx, msg.Chat.ID, sb.String())
}

// logLine renders an activity log row for /plogs, skipping the details
// column to keep replies under the Telegram message size limit.
func logLine(row []string) string {
	col := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	parts := []string{col(0), col(3), col(4)}
	if c := col(7); c != "" {
		parts = append(parts, c)
	}
	if s := col(8); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " | ")
}

func (e *engine) handleSearch(ctx context.Context, msg *messageData, text string, addressed bool) error {
	query := e.numberRe.FindString(text)
	if query == "" {
		e.logActivity(msg, "INVALID_INPUT", text, "", "")
		// Replying to every non-number group message the bot happens to
		// be mentioned in by accident would be obnoxious.
		if !addressed {
			return nil
		}
		return e.reply(ctx, msg.Chat.ID, fmt.Sprintf("Please send a client number of at least %d digits.", e.minQueryLen))
	}

	row, err := e.lookup.Lookup(ctx, query)
	switch {
	case err == nil:
		e.logActivity(msg, "SEARCH", text, query, "SUCCESS")
		return e.reply(ctx, msg.Chat.ID, formatRow(row, displayName(msg.From)))
	case errors.Is(err, lookup.ErrNotFound):
		e.logActivity(msg, "SEARCH", text, query, "FAILURE")
		return e.reply(ctx, msg.Chat.ID, fmt.Sprintf("❌ Client %s not found.", query))
	default:
		e.logActivity(msg, "SEARCH", text, query, "FAILURE")
		if replyErr := e.reply(ctx, msg.Chat.ID, internalErrorReply); replyErr != nil {
			e.logf("Replying to a failed lookup failed: %v", replyErr)
		}
		return err
	}
}

func formatRow(row lookup.Row, requester string) string {
	var sb strings.Builder
	if len(row) > 0 {
		fmt.Fprintf(&sb, "✅ Client found: %s\n\n", row[0].Value)
	} else {
		sb.WriteString("✅ Client found.\n\n")
	}
	for _, f := range row {
		fmt.Fprintf(&sb, "%s: %s\n", f.Name, f.Value)
	}
	fmt.Fprintf(&sb, "\nRequested by %s", requester)
	return sb.String()
}

func (e *engine) authorized(userID int64) bool {
	return e.authorizedUsers.Len() == 0 || e.authorizedUsers.Has(userID)
}

// cutMention removes the first occurrence of mention from text, matching
// case-insensitively and only at username boundaries.
func cutMention(text, mention string) (string, bool) {
	for i := 0; i+len(mention) <= len(text); i++ {
		if !strings.EqualFold(text[i:i+len(mention)], mention) {
			continue
		}
		if j := i + len(mention); j < len(text) && isUsernameChar(text[j]) {
			continue
		}
		return strings.TrimSpace(text[:i] + text[i+len(mention):]), true
	}
	return text, false
}

func isUsernameChar(c byte) bool {
	return c == '_' || '0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

func displayName(u *user) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return fmt.Sprintf("user %d", u.ID)
}

func chatTypeLabel(c chat) string {
	switch c.Type {
	case "private":
		return "Private"
	case "group", "supergroup":
		return "Group (" + c.Title + ")"
	}
	return c.Type
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func (e *engine) logActivity(msg *messageData, action, details, client, success string) {
	e.activity.Log(sheetlog.Entry{
		UserID:   msg.From.ID,
		Username: displayName(msg.From),
		Action:   action,
		Details:  details,
		ChatType: chatTypeLabel(msg.Chat),
		Client:   client,
		Success:  success,
	})
}

// https://core.telegram.org/bots/api#linkpreviewoptions
type linkPreviewOptions struct {
	IsDisabled bool `json:"is_disabled"`
}

// https://core.telegram.org/bots/api#sendmessage
type outgoingMessage struct {
	ChatID             int64              `json:"chat_id"`
	Text               string             `json:"text"`
	ParseMode          string             `json:"parse_mode,omitempty"`
	LinkPreviewOptions linkPreviewOptions `json:"link_preview_options"`
}

func (e *engine) reply(ctx context.Context, chatID int64, text string) error {
	return e.send(ctx, outgoingMessage{
		ChatID:             chatID,
		Text:               text,
		LinkPreviewOptions: linkPreviewOptions{IsDisabled: true},
	})
}

func (e *engine) replyMarkdown(ctx context.Context, chatID int64, text string) error {
	return e.send(ctx, outgoingMessage{
		ChatID:             chatID,
		Text:               text,
		ParseMode:          "Markdown",
		LinkPreviewOptions: linkPreviewOptions{IsDisabled: true},
	})
}

const sendRetryLimit = 5

func (e *engine) send(ctx context.Context, msg outgoingMessage) error {
	var err error
	for range sendRetryLimit {
		err = e.telegramCall(ctx, "sendMessage", msg)
		if err == nil {
			return nil
		}
		rateLimited, retryAfter := isRateLimited(err)
		if !rateLimited {
			return err
		}
		e.logf("Rate limited by Telegram, waiting for %v before retrying.", retryAfter)
		if !sleep(ctx, retryAfter) {
			return ctx.Err()
		}
	}
	return err
}

func (e *engine) telegramCall(ctx context.Context, method string, args any) error {
	_, err := request.Make[request.IgnoreResponse](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        tgAPI + "/bot" + e.tgToken + "/" + method,
		Body:       args,
		HTTPClient: e.httpc,
		Scrubber:   e.scrubber,
	})
	return err
}

// isRateLimited reports whether err is a Telegram rate limit response and
// for how long it asks to wait.
func isRateLimited(err error) (bool, time.Duration) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) {
		return false, 0
	}
	if statusErr.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}
	var resp struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(statusErr.Body, &resp); err != nil {
		return false, 0
	}
	return true, time.Duration(resp.Parameters.RetryAfter) * time.Second
}

// sleep pauses the current goroutine until d passes or ctx is canceled,
// reporting whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *engine) reportError(ctx context.Context, err error) {
	errMsg := err.Error()
	if e.scrubber != nil {
		// Mask secrets in error messages.
		errMsg = e.scrubber.Replace(errMsg)
	}
	e.logf("Processing update failed: %s", errMsg)

	if e.adminChatID == 0 {
		return
	}
	sendErr := e.telegramCall(ctx, "sendMessage", outgoingMessage{
		ChatID:             e.adminChatID,
		Text:               "⚠️ " + errMsg,
		LinkPreviewOptions: linkPreviewOptions{IsDisabled: true},
	})
	if sendErr != nil {
		e.logf("Reporting an error %q to the admin chat failed: %v", errMsg, sendErr)
	}
}

func jsonOK(w http.ResponseWriter) {
	var res struct {
		Status string `json:"status"`
	}
	res.Status = "success"
	web.RespondJSON(w, res)
}
