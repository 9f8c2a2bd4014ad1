// apkbuilder is the Android build farm daemon. The same binary runs as
// manager (submission API plus reconciler) or as worker (build executor);
// a manager can opt into building too.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"git.home.luguber.info/inful/apkbuilder/internal/api"
	"git.home.luguber.info/inful/apkbuilder/internal/bus"
	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/gitsrc"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/metrics"
	"git.home.luguber.info/inful/apkbuilder/internal/notify"
	"git.home.luguber.info/inful/apkbuilder/internal/pipeline"
	"git.home.luguber.info/inful/apkbuilder/internal/reconcile"
	"git.home.luguber.info/inful/apkbuilder/internal/store"
	"git.home.luguber.info/inful/apkbuilder/internal/weed"
	"git.home.luguber.info/inful/apkbuilder/internal/worker"
)

var CLI struct {
	Version kong.VersionFlag `short:"v" help:"Print version and exit"`
	Config  string           `help:"Settings file path" default:"apkbuilder.yaml"`
	Verbose bool             `help:"Enable debug logging"`

	Manager      bool `short:"m" help:"Run the manager role: submission API and reconciler"`
	ManagerBuild bool `help:"Manager that also executes builds"`
	Ding         bool `short:"d" help:"Enable chat notifications"`
	NoUpload     bool `help:"Skip artifact upload, for local testing"`

	Port    uint16 `short:"p" help:"HTTP listen port"`
	Sql     string `short:"s" name:"sql" help:"MongoDB address (host:port)"`
	Redis   string `short:"r" help:"Redis address (host:port)"`
	IP      string `short:"i" help:"Service label, defaults to hostname"`
	Cache   string `short:"c" help:"Cache home directory"`
	Android string `short:"a" help:"Android SDK directory"`
}

func main() {
	// Local overrides for developer machines; absence is normal.
	_ = godotenv.Load()

	kong.Parse(&CLI, kong.Vars{"version": "apkbuilder " + config.Version})

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := resolveSettings()
	if err != nil {
		slog.Error("loading settings failed", logfields.Error(err))
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("apkbuilder exited", logfields.Error(err))
		os.Exit(1)
	}
}

// resolveSettings layers defaults, the settings file and the command line,
// in that order.
func resolveSettings() (*config.Settings, error) {
	cfg := config.Defaults()
	if err := cfg.LoadFile(CLI.Config); err != nil {
		return nil, err
	}

	if CLI.Manager {
		cfg.Manager = true
	}
	if CLI.ManagerBuild {
		cfg.Manager = true
		cfg.ManagerBuild = true
	}
	if CLI.Ding {
		cfg.DingEnabled = true
	}
	if CLI.NoUpload {
		cfg.UploadEnabled = false
	}
	if CLI.Port != 0 {
		cfg.Port = CLI.Port
	}
	if CLI.Sql != "" {
		cfg.MongoAddr = CLI.Sql
	}
	if CLI.Redis != "" {
		cfg.RedisAddr = CLI.Redis
	}
	if CLI.IP != "" {
		cfg.IP = CLI.IP
	}
	if CLI.Cache != "" {
		cfg.CacheHome = CLI.Cache
	}
	if CLI.Android != "" {
		cfg.AndroidHome = CLI.Android
	}
	return &cfg, nil
}

func run(cfg *config.Settings) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting",
		slog.String("version", config.Version),
		slog.Bool("manager", cfg.Manager),
		slog.Bool("worker", cfg.Worker()),
		logfields.Worker(cfg.WorkerID()))

	jobs, err := store.Connect(ctx, cfg.MongoURI())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Close(closeCtx)
	}()

	dispatch, err := bus.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer dispatch.Close()

	blobs := weed.NewClient(cfg.WeedAssignURL, cfg.WeedLookupURL, cfg.WeedPublicBase)
	m := metrics.New()

	if cfg.Worker() {
		notifier := notify.New(cfg, blobs.PublicURL)
		deps := pipeline.Deps{
			Cfg:      cfg,
			Fetcher:  gitsrc.NewFetcher(),
			Uploader: blobs,
		}
		w := worker.New(cfg, jobs, dispatch, notifier, blobs, deps, m)
		go w.Run(ctx, dispatch)
	}

	reconciler, err := reconcile.New(cfg, jobs, dispatch, m)
	if err != nil {
		return err
	}
	if err := reconciler.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := reconciler.Stop(); err != nil {
			slog.Warn("stopping reconciler failed", logfields.Error(err))
		}
	}()

	var server *api.Server
	errc := make(chan error, 1)
	if cfg.Manager {
		server = api.NewServer(cfg, jobs, dispatch, blobs, m)
		go func() {
			if err := server.Start(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errc:
		return err
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api shutdown failed", logfields.Error(err))
		}
	}
	return nil
}
