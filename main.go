package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"wablast/internal/campaign"
	"wablast/internal/config"
	httpapi "wablast/internal/http"
	"wablast/internal/logging"
	"wablast/internal/notify"
	"wablast/internal/quota"
	"wablast/internal/scheduler"
	"wablast/internal/sender"
	"wablast/internal/storage"
	"wablast/internal/wa"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (defaults to $WA_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		// logger not configured yet
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}
	root := logging.New(cfg.Log)
	if err := run(cfg, root); err != nil {
		root.Fatal().Err(err).Msg("exit")
	}
}

func run(cfg config.Config, root zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DBDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := notify.NewHub(64, logging.Component(root, "notify"))
	defer hub.Close()

	devices := &wa.Devices{
		Dir:        cfg.SessionsDir,
		Log:        logging.Component(root, "wa"),
		WALogLevel: cfg.WALogLevel,
		HTTP:       &http.Client{Timeout: 60 * time.Second},
	}
	manager := wa.NewManager(devices.New, store, wa.Options{
		Backoff: wa.Backoff{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Delay:       config.Duration(cfg.Reconnect.Delay, wa.DefaultBackoff.Delay),
			Settle:      config.Duration(cfg.Reconnect.Settle, wa.DefaultBackoff.Settle),
		},
		PairingWindow: config.Duration(cfg.Reconnect.PairingWindow, wa.DefaultPairingWindow),
		Wipe:          devices.Wipe,
		Notifier:      hub,
		Log:           logging.Component(root, "sessions"),
	})
	defer manager.Close()

	gate := quota.New(store)
	resetter, err := quota.NewResetter(store, cfg.Quota.DailyReset, cfg.Quota.MonthlyReset, logging.Component(root, "quota"))
	if err != nil {
		return err
	}
	if err := resetter.Start(); err != nil {
		return err
	}
	defer resetter.Stop()

	pacing, err := cfg.PacingDefaults()
	if err != nil {
		return err
	}
	sessions := sender.ManagerSessions(manager)
	dispatcher := sender.NewDispatcher(store, hub, logging.Component(root, "dispatch"))
	snd := sender.New(sessions, store, gate, dispatcher, sender.Options{
		Pacing:   pacing,
		Notifier: hub,
		Log:      logging.Component(root, "sender"),
	})
	defer snd.Close()

	orch := campaign.New(store, sessions, dispatcher, gate, campaign.Options{
		Pacing:   pacing,
		Notifier: hub,
		Log:      logging.Component(root, "campaign"),
	})
	defer orch.Close()
	if n, err := orch.Recover(); err != nil {
		return err
	} else if n > 0 {
		root.Warn().Int("campaigns", n).Msg("paused campaigns interrupted by last shutdown")
	}

	sched := scheduler.New(store, scheduler.Options{
		PollInterval: config.Duration(cfg.Queue.PollInterval, time.Second),
		Workers:      cfg.Queue.Workers,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BaseBackoff:  config.Duration(cfg.Queue.BaseBackoff, 5*time.Second),
		StartsPerSec: cfg.Queue.StartsPerSec,
		Log:          logging.Component(root, "scheduler"),
	})
	sched.RegisterCampaigns(orch)
	sched.RegisterMessages(snd)

	// bring back sessions that were connected before the restart
	accounts, err := store.ListAccounts()
	if err != nil {
		return err
	}
	var restore []string
	for _, a := range accounts {
		if a.WAConnected && devices.HasCredentials(a.ID) {
			restore = append(restore, a.ID)
		}
	}
	manager.Restore(ctx, restore)
	root.Info().Int("sessions", len(restore)).Msg("sessions restored")

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	// cancelled on shutdown so event streams end instead of holding Shutdown open
	reqCtx, cancelReqs := context.WithCancel(context.Background())
	defer cancelReqs()
	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		BaseContext: func(net.Listener) context.Context { return reqCtx },
		Handler: httpapi.NewRouter(httpapi.Deps{
			Store:        store,
			Sessions:     manager,
			Sender:       snd,
			Campaigns:    orch,
			Scheduler:    sched,
			Hub:          hub,
			Log:          logging.Component(root, "http"),
			DailyLimit:   cfg.Quota.DailyLimit,
			MonthlyLimit: cfg.Quota.MonthlyLimit,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		root.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		root.Info().Msg("shutting down")
	}
	cancelReqs()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
