// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bytes"
	"cmp"
	"context"
	_ "embed"
	"flag"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/sage/internal/api/gemini"
	"go.astrophena.name/sage/internal/api/telegram"
	"go.astrophena.name/sage/internal/cli"
	"go.astrophena.name/sage/internal/httplogger"
	"go.astrophena.name/sage/internal/logger"
	"go.astrophena.name/sage/internal/sources"
	"go.astrophena.name/sage/internal/systemd"
	"go.astrophena.name/sage/internal/util/syncx"
	"go.astrophena.name/sage/internal/web"

	"github.com/arl/statsviz"
	"github.com/joho/godotenv"
)

func main() { cli.Main(new(engine)) }

// querier is the part of the Gemini client that the rest of the bot
// uses. It exists so that tests can substitute a fake.
type querier interface {
	Query(ctx context.Context, question string) (string, error)
	SyncDocuments(ctx context.Context, uploads []gemini.Upload) error
	Documents() []string
	Close() error
}

type engine struct {
	init syncx.Lazy[error] // main initialization

	// initialized by doInit
	gemini    querier
	logf      logger.Logf
	logStream logger.Streamer
	mux       *http.ServeMux
	scrubber  *strings.Replacer
	syncer    *sources.Syncer
	tg        *telegram.Client

	// guarded by mu
	mu       sync.Mutex
	lastPoll time.Time // when getUpdates last returned successfully

	// configuration, read-only after initialization
	addr         string
	botName      string
	botUsername  string
	geminiKey    string
	httpLog      bool
	httpc        *http.Client
	maxAttempts  int
	model        string
	restartDelay time.Duration
	sourcesDir   string
	sourcesRepo  string
	stderr       io.Writer
	tgToken      string

	// for tests
	noPollStart bool
}

func (e *engine) Flags(fs *flag.FlagSet) {
	fs.StringVar(&e.addr, "addr", "", "Serve the debug interface on `host:port`.")
	fs.StringVar(&e.model, "model", "", "Use this Gemini `model` for answering questions.")
	fs.StringVar(&e.sourcesDir, "sources", "", "Load reference documents from `dir`.")
}

func (e *engine) Run(ctx context.Context, env *cli.Env) error {
	// A .env file in the current directory, if present, fills in
	// environment variables that are not already set.
	dotenv, _ := godotenv.Read()
	getenv := func(key string) string {
		if val := env.Getenv(key); val != "" {
			return val
		}
		return dotenv[key]
	}

	e.tgToken = cmp.Or(e.tgToken, getenv("TELEGRAM_TOKEN"))
	e.botName = cmp.Or(e.botName, getenv("TELEGRAM_BOT_NAME"))
	e.geminiKey = cmp.Or(e.geminiKey, getenv("GEMINI_KEY"))
	e.model = cmp.Or(e.model, getenv("GEMINI_MODEL"))
	e.maxAttempts = cmp.Or(e.maxAttempts, parseInt(getenv("GOOGLE_API_MAX_ATTEMPTS")))
	e.sourcesDir = cmp.Or(e.sourcesDir, getenv("SOURCES_DIR"), "sources")
	e.sourcesRepo = cmp.Or(e.sourcesRepo, getenv("SOURCES_REPO_URL"))
	e.restartDelay = cmp.Or(e.restartDelay, parseDuration(getenv("RESTART_DELAY")), 5*time.Second)
	e.addr = cmp.Or(e.addr, getenv("ADDR"))
	e.httpLog = e.httpLog || getenv("HTTP_LOG") != ""
	e.stderr = env.Stderr

	if e.tgToken == "" {
		return fmt.Errorf("%w: TELEGRAM_TOKEN environment variable is not set", cli.ErrInvalidArgs)
	}
	if e.geminiKey == "" {
		return fmt.Errorf("%w: GEMINI_KEY environment variable is not set", cli.ErrInvalidArgs)
	}

	if err := e.init.Get(func() error {
		return e.doInit(ctx)
	}); err != nil {
		return err
	}
	defer func() {
		if err := e.gemini.Close(); err != nil {
			e.logf("Closing Gemini client failed: %v", err)
		}
	}()

	if e.addr != "" {
		go func() {
			if err := web.ListenAndServe(ctx, &web.ListenAndServeConfig{
				Addr:       e.addr,
				Mux:        e.mux,
				Logf:       e.logf,
				Debuggable: true,
			}); err != nil {
				e.logf("Debug server failed: %v", err)
			}
		}()
	}

	// Used in tests.
	if e.noPollStart {
		return nil
	}

	systemd.Notify(e.logf, systemd.Ready)
	go systemd.WatchdogLoop(ctx, e.logf)

	return e.poll(ctx)
}

func (e *engine) doInit(ctx context.Context) error {
	if e.stderr == nil {
		e.stderr = os.Stderr
	}
	if e.httpc == nil {
		e.httpc = &http.Client{
			// The timeout must cover both long polling (30 seconds per
			// getUpdates call) and slow Gemini responses.
			Timeout: 90 * time.Second,
		}
	}

	var scrubPairs []string
	for _, val := range []string{e.tgToken, e.geminiKey} {
		if val != "" {
			scrubPairs = append(scrubPairs, val, "[EXPUNGED]")
		}
	}
	e.scrubber = strings.NewReplacer(scrubPairs...)

	// Secrets are scrubbed from every log line because logs are exposed
	// over the debug interface.
	const logLineLimit = 300
	e.logStream = logger.NewStreamer(logLineLimit)
	logOut := log.New(io.MultiWriter(e.stderr, &timestampWriter{e.logStream}), "", 0)
	e.logf = func(format string, args ...any) {
		logOut.Print(e.scrubber.Replace(fmt.Sprintf(format, args...)))
	}

	if e.httpLog {
		transport := e.httpc.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		e.httpc.Transport = httplogger.New(transport, httplogger.Logf(e.logf))
	}

	e.tg = &telegram.Client{
		Token:      e.tgToken,
		HTTPClient: e.httpc,
		Scrubber:   e.scrubber,
	}

	me, err := e.tg.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("fetching bot identity: %w", err)
	}
	e.botUsername = me.Username
	if e.botName == "" {
		e.botName = cmp.Or(me.FirstName, me.Username)
	}

	if e.gemini == nil {
		g, err := gemini.New(ctx, gemini.Config{
			APIKey:      e.geminiKey,
			Model:       e.model,
			BotName:     e.botName,
			MaxAttempts: e.maxAttempts,
			Logf:        e.logf,
		})
		if err != nil {
			return fmt.Errorf("creating Gemini client: %w", err)
		}
		e.gemini = g
	}

	e.syncer = &sources.Syncer{
		Dir:     e.sourcesDir,
		RepoURL: e.sourcesRepo,
		Logf:    e.logf,
	}
	e.syncer.Sync(ctx)

	files, err := sources.List(e.sourcesDir)
	if err != nil {
		return fmt.Errorf("listing reference documents: %w", err)
	}
	uploads := make([]gemini.Upload, 0, len(files))
	for _, f := range files {
		uploads = append(uploads, gemini.Upload{
			DisplayName: f.Name,
			MIMEType:    f.MIMEType,
			Path:        f.Path,
		})
	}
	if err := e.gemini.SyncDocuments(ctx, uploads); err != nil {
		return fmt.Errorf("uploading reference documents: %w", err)
	}

	e.initRoutes()

	return nil
}

var (
	//go:embed logs.html
	logsHTML     string
	logsTemplate = sync.OnceValue(func() *template.Template {
		return template.Must(template.New("logs").Parse(logsHTML))
	})
)

func (e *engine) initRoutes() {
	e.mux = http.NewServeMux()

	e.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			web.RespondError(e.logf, w, web.ErrNotFound)
			return
		}
		http.Redirect(w, r, "/debug/", http.StatusFound)
	})

	health := web.Health(e.mux)
	health.RegisterFunc("documents", func() (status string, ok bool) {
		return fmt.Sprintf("%d reference documents uploaded", len(e.gemini.Documents())), true
	})
	health.RegisterFunc("poll", func() (status string, ok bool) {
		e.mu.Lock()
		last := e.lastPoll
		e.mu.Unlock()
		if last.IsZero() {
			return "polling has not started yet", true
		}
		return fmt.Sprintf("last polled %s ago", time.Since(last).Round(time.Second)), true
	})

	dbg := web.Debugger(e.logf, e.mux)
	dbg.KVFunc("Bot", func() any { return "@" + e.botUsername })
	dbg.KVFunc("Reference documents", func() any {
		docs := e.gemini.Documents()
		if len(docs) == 0 {
			return "none"
		}
		return strings.Join(docs, ", ")
	})

	// Runtime metrics.
	statsviz.Register(e.mux)
	dbg.Link("/debug/statsviz", "Metrics")

	// Log streaming.
	e.mux.Handle("/debug/log", e.logStream)
	dbg.HandleFunc("logs", "Logs", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := logsTemplate().Execute(&buf, struct {
			Stylesheet string
			Lines      []string
		}{
			Stylesheet: web.StaticFS.HashName("static/css/main.css"),
			Lines:      e.logStream.Lines(),
		}); err != nil {
			web.RespondError(e.logf, w, err)
			return
		}
		buf.WriteTo(w)
	})
}

// poll runs the long polling loop, restarting it after restartDelay on
// failures, until ctx is canceled.
func (e *engine) poll(ctx context.Context) error {
	e.logf("Started polling for updates as @%s.", e.botUsername)

	var offset int64
	for {
		updates, err := e.tg.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logf("Getting updates failed, retrying in %v: %v", e.restartDelay, err)
			select {
			case <-time.After(e.restartDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		e.mu.Lock()
		e.lastPoll = time.Now()
		e.mu.Unlock()
		for _, upd := range updates {
			offset = upd.ID + 1
			e.handleUpdate(ctx, upd)
		}
	}
}

// timestampWriter is an io.Writer that prefixes every line with the
// current time.
type timestampWriter struct {
	w io.Writer
}

func (tw *timestampWriter) Write(p []byte) (n int, err error) {
	lines := bytes.SplitAfter(p, []byte("\n"))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		ts := time.Now().Format(time.DateTime + "\t")
		if _, err := tw.w.Write(append([]byte(ts), line...)); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// parseDuration parses either a Go duration string or a plain number
// of seconds. It returns 0 if s is empty or invalid.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return 0
}
