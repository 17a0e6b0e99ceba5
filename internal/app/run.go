package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nuetzliches/rulepost/internal/config"
	"github.com/nuetzliches/rulepost/internal/engine"
	"github.com/nuetzliches/rulepost/internal/history"
	"github.com/nuetzliches/rulepost/internal/httpclient"
	"github.com/nuetzliches/rulepost/internal/ingress"
)

const (
	defaultListen         = ":8085"
	historyPruneInterval  = time.Minute
	shutdownGraceDuration = 5 * time.Second
)

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "./Rulepostfile", "path to config file")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch config file for reload")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	baseLogger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(baseLogger)

	releasePIDFile, err := claimPIDFile(strings.TrimSpace(*pidFile))
	if err != nil {
		baseLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if strings.TrimSpace(*dotenvPath) != "" {
		if err := loadDotenv(strings.TrimSpace(*dotenvPath)); err != nil {
			baseLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		baseLogger.Error("load_config_failed", slog.Any("err", err))
		return 1
	}
	baseLogger.Info("config_ok", slog.Int("rules", len(cfg.Rules)))

	runtimeLogger := baseLogger
	var runtimeLogCloser io.Closer
	if cfg.Log.Output != "" || cfg.Log.Level != "" {
		level := strings.TrimSpace(*logLevel)
		if cfg.Log.Level != "" {
			level = cfg.Log.Level
		}
		l, closer, err := newLoggerToSink(level, cfg.Log.Output, cfg.Log.Path)
		if err != nil {
			baseLogger.Error("runtime_log_failed", slog.Any("err", err))
			return 1
		}
		runtimeLogger = l
		runtimeLogCloser = closer
	}
	if runtimeLogCloser != nil {
		defer func() { _ = runtimeLogCloser.Close() }()
	}
	slog.SetDefault(runtimeLogger)

	appMetrics := newRuntimeMetrics()

	if cfg.Observability.TracingEnabled {
		shutdownTracing, err := initTracing(context.Background(), cfg.Observability, func(err error) {
			appMetrics.incTracingExportErrors()
			runtimeLogger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.incTracingInitFailures()
			runtimeLogger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		appMetrics.setTracingEnabled(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGraceDuration)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		runtimeLogger.Info("tracing_enabled")
	}

	var accessLogger *slog.Logger
	if cfg.Observability.AccessLogEnabled {
		accessLogger = runtimeLogger
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, backend, err := newHistoryStore(cfg.History)
	if err != nil {
		runtimeLogger.Error("open_history_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = store.Close() }()
	runtimeLogger.Info("history_backend_selected", slog.String("backend", backend))
	appMetrics.historyStore = store

	policy, err := cfg.Egress.EgressPolicy()
	if err != nil {
		runtimeLogger.Error("compile_egress_failed", slog.Any("err", err))
		return 1
	}

	eng := engine.New(buildRules(cfg.Rules), engine.Options{
		Client:        newDispatchClient(cfg),
		Policy:        policy,
		Store:         store,
		Logger:        runtimeLogger,
		Source:        cfg.Engine.Source,
		MaxChainDepth: cfg.Engine.MaxChainDepth,
	})
	eng.ObserveDispatch = appMetrics.observeDispatch

	intake := ingress.NewServer(eng)
	intake.Store = store
	intake.ObserveResult = appMetrics.observeIntakeResult

	mux := http.NewServeMux()
	mux.Handle("/", intake)
	if cfg.Observability.MetricsEnabled {
		mux.Handle("/metrics", newMetricsHandler(version, time.Now(), appMetrics))
	}

	var handler http.Handler = mux
	handler = wrapTracingHandler(cfg.Observability.TracingEnabled, "rulepost.ingress", handler)
	if accessLogger != nil {
		handler = withAccessLog(accessLogger, handler)
	}

	listen := strings.TrimSpace(cfg.Listen)
	if listen == "" {
		listen = defaultListen
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		runtimeLogger.Error("listen_failed", slog.String("addr", listen), slog.Any("err", err))
		return 1
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveOnListener(runtimeLogger, "ingress", srv, ln, cancel)
	runtimeLogger.Info("listening", slog.String("addr", ln.Addr().String()))

	reloadNow := func(trigger string) {
		reloadRules(*configPath, eng, runtimeLogger, trigger)
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloadNow("signal_sighup")
			}
		}
	}()

	if *watch {
		go watchConfig(ctx, *configPath, runtimeLogger, func() {
			reloadNow("watch")
		})
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGraceDuration)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	return 0
}

func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, err
	}
	if problems := config.Validate(cfg); len(problems) > 0 {
		return nil, fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func newDispatchClient(cfg *config.Config) *http.Client {
	mode := httpclient.ModeStrict
	if cfg.Client.InsecureTLS {
		mode = httpclient.ModeInsecure
	}
	opts := httpclient.Options{Tracing: cfg.Observability.TracingEnabled}
	if cfg.Client.TimeoutSet {
		opts.Timeout = cfg.Client.Timeout
	}
	return httpclient.New(mode, opts)
}

func newHistoryStore(hc config.HistoryConfig) (history.Store, string, error) {
	switch hc.Backend {
	case "", "memory":
		return history.NewMemoryStore(), "memory", nil
	case "sqlite":
		var opts []history.SQLiteOption
		if hc.Retention > 0 {
			opts = append(opts, history.WithSQLiteRetention(hc.Retention, historyPruneInterval))
		}
		store, err := history.NewSQLiteStore(hc.Path, opts...)
		if err != nil {
			return nil, "", err
		}
		return store, "sqlite", nil
	case "postgres":
		var opts []history.PostgresOption
		if hc.Retention > 0 {
			opts = append(opts, history.WithPostgresRetention(hc.Retention, historyPruneInterval))
		}
		store, err := history.NewPostgresStore(hc.DSN, opts...)
		if err != nil {
			return nil, "", err
		}
		return store, "postgres", nil
	default:
		return nil, "", fmt.Errorf("unknown history backend %q", hc.Backend)
	}
}

func buildRules(rules []config.RuleConfig) []engine.Rule {
	out := make([]engine.Rule, 0, len(rules))
	for _, rc := range rules {
		out = append(out, engine.Rule{
			Name:    rc.Name,
			On:      rc.On,
			Action:  rc.Action,
			Service: rc.Service,
			Path:    rc.Path,
			Token:   rc.Token,
		})
	}
	return out
}

// reloadRules applies rule and egress policy changes live. Listener,
// logging, history, and client changes still require a restart.
func reloadRules(path string, eng *engine.Engine, logger *slog.Logger, trigger string) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(path)
	if err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return
	}
	policy, err := cfg.Egress.EgressPolicy()
	if err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return
	}
	eng.UpdateRules(buildRules(cfg.Rules))
	eng.UpdatePolicy(policy)
	logger.Info("config_reloaded_ok", slog.String("trigger", trigger))
}

func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}

	logger.Info("watching_config", slog.String("path", path))

	// Debounce to coalesce bursty editor/atomic-write events.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(200 * time.Millisecond)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(200 * time.Millisecond)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}

func claimPIDFile(pidFile string) (func(), error) {
	pidFile = strings.TrimSpace(pidFile)
	if pidFile == "" {
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return nil, err
	}

	if pid, err := readPIDFile(pidFile); err == nil && pid > 0 {
		if pidRunning(pid) {
			return nil, fmt.Errorf("pid file %q points to running process %d", pidFile, pid)
		}
	}

	pid := os.Getpid()
	if err := writePIDFile(pidFile, pid); err != nil {
		return nil, err
	}

	return func() {
		cur, err := readPIDFile(pidFile)
		if err != nil {
			return
		}
		if cur == pid {
			_ = os.Remove(pidFile)
		}
	}, nil
}

func writePIDFile(pidFile string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(pidFile), "."+filepath.Base(pidFile)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	keepTemp := false
	defer func() {
		_ = tmp.Close()
		if !keepTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, pidFile); err != nil {
		return err
	}
	keepTemp = true
	return nil
}

func readPIDFile(pidFile string) (int, error) {
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, fmt.Errorf("pid file %q is empty", pidFile)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q contains invalid pid %q", pidFile, raw)
	}
	return pid, nil
}

func pidRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombiePID(pid) {
		return false
	}
	return processExists(pid)
}

func isZombiePID(pid int) bool {
	statPath := fmt.Sprintf("/proc/%d/stat", pid)
	data, err := os.ReadFile(statPath)
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return false
	}
	return fields[2] == "Z"
}
