// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bytes"
	"cmp"
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/tglookup/internal/api/google/serviceaccount"
	"go.astrophena.name/tglookup/internal/api/sheets"
	"go.astrophena.name/tglookup/internal/cli"
	"go.astrophena.name/tglookup/internal/cli/restrict"
	"go.astrophena.name/tglookup/internal/dedup"
	"go.astrophena.name/tglookup/internal/filelock"
	"go.astrophena.name/tglookup/internal/idle"
	"go.astrophena.name/tglookup/internal/logger"
	"go.astrophena.name/tglookup/internal/lookup"
	"go.astrophena.name/tglookup/internal/request"
	"go.astrophena.name/tglookup/internal/sheetlog"
	"go.astrophena.name/tglookup/internal/store"
	"go.astrophena.name/tglookup/internal/util/set"
	"go.astrophena.name/tglookup/internal/util/syncx"
	"go.astrophena.name/tglookup/internal/version"
	"go.astrophena.name/tglookup/internal/web"

	"github.com/joho/godotenv"
	"github.com/landlock-lsm/go-landlock/landlock"
)

const tgAPI = "https://api.telegram.org"

func main() { cli.Main(new(engine)) }

func (e *engine) Flags(fs *flag.FlagSet) {
	fs.BoolVar(&e.prod, "prod", false, "Run in production mode (receive updates over a webhook instead of polling).")
	fs.BoolVar(&e.setupWebhook, "setup-webhook", false, "Register the Telegram webhook and exit.")
}

func (e *engine) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	// In development a .env file in the current directory provides
	// configuration.
	if !e.prod {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	// Load configuration from environment variables.
	e.adminChatID = cmp.Or(e.adminChatID, parseInt(env.Getenv("ADMIN_CHAT_ID")))
	e.logsSheetID = cmp.Or(e.logsSheetID, env.Getenv("LOGS_SHEET_ID"), env.Getenv("LOGS_SPREADSHEET_ID"))
	e.saKey = cmp.Or(e.saKey, env.Getenv("SERVICE_ACCOUNT_KEY"))
	e.saKeyFile = cmp.Or(e.saKeyFile, env.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	e.spreadsheetID = cmp.Or(e.spreadsheetID, env.Getenv("SPREADSHEET_ID"))
	e.state = cmp.Or(e.state, env.Getenv("STATE"))
	e.tgSecret = cmp.Or(e.tgSecret, env.Getenv("WEBHOOK_SECRET_TOKEN"))
	e.tgToken = cmp.Or(e.tgToken, env.Getenv("TELEGRAM_BOT_TOKEN"))
	e.webhookURL = cmp.Or(e.webhookURL, env.Getenv("WEBHOOK_URL"))
	if e.addr == "" {
		e.addr = ":" + cmp.Or(env.Getenv("PORT"), "8080")
	}

	var err error
	if e.indexTTL, err = secondsEnv(env, "INDEX_TTL_SECONDS", 10*time.Minute); err != nil {
		return err
	}
	if e.dedupWindow, err = secondsEnv(env, "DEDUP_WINDOW_SECONDS", 30*time.Second); err != nil {
		return err
	}
	if e.rowCacheSize, err = intEnv(env, "ROW_CACHE_SIZE", 200); err != nil {
		return err
	}
	if e.minQueryLen, err = intEnv(env, "MIN_CLIENT_NUMBER_LENGTH", 3); err != nil {
		return err
	}
	if e.authorizedUsers == nil {
		if e.authorizedUsers, err = parseAuthorizedUsers(env.Getenv("AUTHORIZED_USERS")); err != nil {
			return err
		}
	}

	e.stderr = env.Stderr

	// Initialize internal state.
	if err := e.init.Get(func() error {
		return e.doInit(ctx)
	}); err != nil {
		return err
	}
	defer e.snapshots.Close()

	// Used in tests.
	if e.noServerStart {
		return nil
	}

	if e.setupWebhook {
		return e.registerWebhook(ctx, env.Stdout)
	}

	// Restrict filesystem access to the paths the service actually needs.
	// CA bundles and resolver configuration live under /etc.
	rules := []landlock.Rule{
		landlock.RODirs("/etc"),
		landlock.RWDirs(os.TempDir()),
	}
	if e.saKeyFile != "" {
		rules = append(rules, landlock.ROFiles(e.saKeyFile))
	}
	if dir := stateDir(e.state); dir != "" {
		rules = append(rules, landlock.RWDirs(dir))
	}
	restrict.DoUnlessTesting(ctx, rules...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Exit after a period of inactivity when running socket-activated under
	// systemd; the next webhook delivery starts the service back up.
	if tracker := idle.NewTracker(cancel); tracker != nil {
		tracker.Run(ctx)
		e.srv.Middleware = append(e.srv.Middleware, tracker.Handler)
	}

	// Warm up the index, restoring a recent snapshot when one exists.
	go func() {
		if e.lookup.RestoreSnapshot(ctx) {
			e.logf("Restored index snapshot with %d identifiers.", e.lookup.IndexSize())
			return
		}
		if err := e.lookup.Refresh(ctx); err != nil {
			e.logf("Initial index build failed: %v", err)
		}
	}()
	go e.lookup.RefreshLoop(ctx)
	go e.activity.Run(ctx)
	e.activity.Log(sheetlog.Entry{
		Action:   "BOT_STARTED",
		Details:  version.Version().Version,
		ChatType: "System",
	})

	if e.prod {
		if err := e.setWebhook(ctx); err != nil {
			return err
		}
		e.logf("Running in webhook mode.")
	} else {
		// An advisory lock prevents two local pollers from fighting over
		// updates.
		lockPath := filepath.Join(os.TempDir(), "tglookup.lock")
		lock, err := filelock.Acquire(lockPath, strconv.Itoa(os.Getpid()))
		if err != nil {
			if errors.Is(err, filelock.ErrAlreadyLocked) {
				return fmt.Errorf("another tglookup instance is already polling (lock file %s)", lockPath)
			}
			return err
		}
		defer lock.Release()
		go e.poll(ctx)
		e.logf("Running in polling mode.")
	}

	return e.srv.ListenAndServe(ctx)
}

func parseInt(s string) int64 {
	i, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return i
	}
	return 0
}

func intEnv(env *cli.Env, name string, def int) (int, error) {
	s := env.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s: invalid value %q", cli.ErrInvalidArgs, name, s)
	}
	return n, nil
}

func secondsEnv(env *cli.Env, name string, def time.Duration) (time.Duration, error) {
	n, err := intEnv(env, name, int(def/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parseAuthorizedUsers(s string) (set.Set[int64], error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	users := make(set.Set[int64])
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: AUTHORIZED_USERS: invalid user ID %q", cli.ErrInvalidArgs, part)
		}
		users.Add(id)
	}
	return users, nil
}

// stateDir returns the directory that the snapshot store writes to, or an
// empty string when it doesn't touch the filesystem.
func stateDir(state string) string {
	if state == "" || strings.Contains(state, "://") {
		return ""
	}
	return filepath.Dir(state)
}

type engine struct {
	init syncx.Lazy[error] // main initialization

	// initialized by doInit
	activity  *sheetlog.Logger
	dedup     *dedup.Guard
	logStream logger.Streamer
	logf      logger.Logf
	lookup    *lookup.Service
	mux       *http.ServeMux
	numberRe  *regexp.Regexp
	scrubber  *strings.Replacer
	sheetsc   *sheets.Client
	snapshots store.Store
	srv       *web.Server

	// configuration, read-only after initialization
	addr            string
	adminChatID     int64
	authorizedUsers set.Set[int64]
	dedupWindow     time.Duration
	httpc           *http.Client
	indexTTL        time.Duration
	logsSheetID     string
	me              *getMeResponse // obtained from Telegram Bot API
	minQueryLen     int
	prod            bool
	rowCacheSize    int
	saKey           string
	saKeyFile       string
	setupWebhook    bool
	spreadsheetID   string
	state           string
	stderr          io.Writer
	tgBotID         int64
	tgBotUsername   string
	tgSecret        string
	tgToken         string
	webhookURL      string

	// for tests
	noServerStart bool
	ready         func() // see web.Server.Ready
}

var (
	errNoToken       = errors.New("bot token hasn't been set; pass it with the TELEGRAM_BOT_TOKEN environment variable")
	errNoSpreadsheet = errors.New("spreadsheet ID hasn't been set; pass it with the SPREADSHEET_ID environment variable")
	errNoKey         = errors.New("service account key hasn't been set; pass it with the SERVICE_ACCOUNT_KEY or GOOGLE_APPLICATION_CREDENTIALS environment variable")
)

func (e *engine) doInit(ctx context.Context) error {
	if e.httpc == nil {
		e.httpc = &http.Client{
			// The timeout must exceed the getUpdates long poll duration.
			Timeout: time.Minute,
		}
	}
	if e.stderr == nil {
		e.stderr = os.Stderr
	}

	const logLineLimit = 300
	e.logStream = logger.NewStreamer(logLineLimit)
	e.logf = log.New(io.MultiWriter(e.stderr, &timestampWriter{e.logStream}), "", 0).Printf

	if e.tgToken == "" {
		return errNoToken
	}
	if e.spreadsheetID == "" {
		return errNoSpreadsheet
	}
	key, err := e.loadKey()
	if err != nil {
		return err
	}

	var scrubPairs []string
	for _, val := range []string{
		e.tgSecret,
		e.tgToken,
		key.PrivateKey,
	} {
		if val != "" {
			scrubPairs = append(scrubPairs, val, "[EXPUNGED]")
		}
	}
	if len(scrubPairs) > 0 {
		e.scrubber = strings.NewReplacer(scrubPairs...)
	}

	e.sheetsc = &sheets.Client{
		Key:        key,
		HTTPClient: e.httpc,
		Scrubber:   e.scrubber,
	}

	// Snapshots older than twice the index TTL are of no use to anyone.
	e.snapshots, err = e.openStore(ctx, 2*e.indexTTL)
	if err != nil {
		return err
	}

	e.lookup = &lookup.Service{
		Sheets:        e.sheetsc,
		SpreadsheetID: e.spreadsheetID,
		TTL:           e.indexTTL,
		CacheSize:     e.rowCacheSize,
		Snapshots:     e.snapshots,
		Logf:          e.logf,
	}
	e.dedup = dedup.New(e.dedupWindow)
	e.activity = &sheetlog.Logger{
		Sheets:        e.sheetsc,
		SpreadsheetID: e.logsSheetID,
		Logf:          e.logf,
	}
	e.numberRe = regexp.MustCompile(fmt.Sprintf("[0-9]{%d,}", e.minQueryLen))

	me, err := e.getMe(ctx)
	if err != nil {
		return err
	}
	e.me = &me
	e.tgBotID = me.Result.ID
	e.tgBotUsername = me.Result.Username

	e.initRoutes()
	e.srv = &web.Server{
		Addr:          e.addr,
		Mux:           e.mux,
		Logf:          e.logf,
		Debuggable:    true,
		Ready:         e.ready,
		NotifySystemd: e.prod,
	}

	return nil
}

func (e *engine) loadKey() (*serviceaccount.Key, error) {
	switch {
	case e.saKey != "":
		return serviceaccount.LoadKey([]byte(e.saKey))
	case e.saKeyFile != "":
		b, err := os.ReadFile(e.saKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading service account key: %v", err)
		}
		return serviceaccount.LoadKey(b)
	}
	return nil, errNoKey
}

func (e *engine) openStore(ctx context.Context, ttl time.Duration) (store.Store, error) {
	switch {
	case e.state == "":
		return store.NewMemStore(ctx, ttl), nil
	case strings.HasPrefix(e.state, "postgres://"), strings.HasPrefix(e.state, "postgresql://"):
		return store.NewPostgresStore(ctx, e.state, ttl)
	case strings.HasSuffix(e.state, ".db"), strings.HasSuffix(e.state, ".sqlite"), strings.HasSuffix(e.state, ".sqlite3"):
		return store.NewSQLiteStore(ctx, e.state, ttl)
	default:
		return store.NewJSONFile(ctx, e.state, ttl)
	}
}

func (e *engine) getMe(ctx context.Context) (getMeResponse, error) {
	return request.Make[getMeResponse](ctx, request.Params{
		Method:     http.MethodGet,
		URL:        tgAPI + "/bot" + e.tgToken + "/getMe",
		HTTPClient: e.httpc,
		Scrubber:   e.scrubber,
	})
}

type getMeResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		ID                      int64  `json:"id"`
		IsBot                   bool   `json:"is_bot"`
		FirstName               string `json:"first_name"`
		Username                string `json:"username"`
		CanJoinGroups           bool   `json:"can_join_groups"`
		CanReadAllGroupMessages bool   `json:"can_read_all_group_messages"`
	} `json:"result"`
}

// timestampWriter is an io.Writer that prefixes each line with the current date and time.
type timestampWriter struct {
	w io.Writer
}

func (tw *timestampWriter) Write(p []byte) (n int, err error) {
	lines := bytes.SplitAfter(p, []byte{'\n'})

	for _, line := range lines {
		if len(line) > 0 {
			timestamp := time.Now().Format(time.DateTime + "\t")
			_, err := tw.w.Write([]byte(timestamp))
			if err != nil {
				return n, err
			}
			nn, err := tw.w.Write(line)
			n += nn
			if err != nil {
				return n, err
			}
		}
	}

	return n, nil
}
