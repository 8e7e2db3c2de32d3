package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"remindcal/internal/calendar"
	"remindcal/internal/config"
	"remindcal/internal/dialogue"
	"remindcal/internal/ics"
	appLog "remindcal/internal/log"
	"remindcal/internal/metrics"
	"remindcal/internal/model"
	"remindcal/internal/registry"
	"remindcal/internal/slots"
	"remindcal/internal/watcher"
	"remindcal/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	envPath    string
	listen     string
	logLevel   string
	once       bool
}

func main() {
	flags := parseFlags()
	appLog.SetLevel(appLog.ParseLevel(flags.logLevel))
	appLog.Info("remindcal starting", "version", version)

	if err := config.LoadEnv(flags.envPath); err != nil {
		appLog.Error("failed to load env file", err, "path", flags.envPath)
		os.Exit(1)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv()
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"poll", conf.Poll,
		"lookahead_days", conf.LookaheadDays,
		"escalation_minutes", conf.EscalationMinutes,
		"static_users", len(conf.Users),
		"google_client", conf.Google.ClientID != "",
		"microsoft_client", conf.Microsoft.ClientID != "",
		"once", flags.once,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rec := metrics.NewPrometheusRecorder(prom.NewRegistry())
	loc := conf.Location()

	reg := registry.New(registry.Options{
		EscalationInterval: conf.EscalationInterval(),
		QueueCapacity:      conf.QueueCapacity,
		StopWords:          conf.StopWords,
		Recorder:           rec,
	})

	fetcher := ics.NewFetcher(nil)
	registerStaticUsers(conf, reg, fetcher)

	w := watcher.New(reg, watcher.Config{
		Schedule:           conf.Poll,
		Lookahead:          conf.Lookahead(),
		FetchTimeout:       conf.FetchTimeout(),
		TransientThreshold: conf.TransientFailureThreshold,
		MaxParallel:        conf.MaxParallelFetches,
		Location:           loc,
		ReportInitial:      *conf.ReportInitialConflicts,
	}, watcher.WithRecorder(rec))

	if flags.once {
		w.RunCycle(ctx)
		printPending(reg)
		appLog.Info("remindcal exiting")
		return
	}

	if err := w.Start(ctx); err != nil {
		appLog.Error("failed to start watcher", err)
		os.Exit(1)
	}

	start, end, slot := conf.WorkdayBounds()
	engine := dialogue.NewEngine(dialogue.Options{
		Location:  loc,
		StopWords: conf.StopWords,
		Workday:   slots.Workday{Start: start, End: end, Slot: slot},
	})
	srv := web.NewServer(conf, web.Deps{
		Registry: reg,
		Dialogue: engine,
		Tokens:   calendar.NewMemoryTokenStore(),
		Fetcher:  fetcher,
		Metrics:  rec.Handler(),
	})
	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			appLog.Error("HTTP server failed", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP shutdown failed", err)
	}
	w.Stop()
	appLog.Info("remindcal exiting")
}

// registerStaticUsers creates the users listed in the config, each backed by
// its ICS subscription.
func registerStaticUsers(conf *config.Config, reg *registry.Registry, fetcher *ics.Fetcher) {
	for _, u := range conf.Users {
		id := model.UserID(u.ID)
		reg.EnsureUser(id)
		if u.URL == "" {
			appLog.Warn("static user has no calendar url", "user", u.ID, "name", u.Name)
			continue
		}
		a := ics.NewAdapter(fetcher, ics.Source{ID: u.ID, URL: u.URL}, u.Email)
		if err := reg.SetAdapter(id, a); err != nil {
			appLog.Error("failed to attach calendar", err, "user", u.ID)
		}
	}
}

// printPending logs what a single cycle produced for every user.
func printPending(reg *registry.Registry) {
	for _, id := range reg.AllUserIDs() {
		events, _ := reg.Drain(id)
		for _, ev := range events {
			appLog.Info("pending event", "user", id, "kind", ev.Kind, "text", ev.Text)
		}
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/remindcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.envPath, "env", ".env", "Path to a .env file with secrets (optional)")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&cfg.once, "once", false, "Run one watcher cycle for the configured users and exit")

	flag.Parse()

	return cfg
}
