package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tech-events-bot/admin"
	"tech-events-bot/bot"
	"tech-events-bot/broadcast"
	"tech-events-bot/config"
	"tech-events-bot/db"
	"tech-events-bot/events"
	"tech-events-bot/mutex"
	"tech-events-bot/scheduler"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	boot := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("unable to load config")
	}
	logger := newLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	confirm := make(chan struct{})
	go func() {
		defer close(confirm)
		if err := run(ctx, cfg, logger); err != nil {
			logger.Fatal().Err(err).Msg("bot stopped with error")
		}
	}()
	s := make(chan os.Signal, 1)
	signal.Notify(s, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-s:
		logger.Info().Stringer("signal", sig).Msg("shutting down")
	case <-confirm:
	}
	cancel()
	<-confirm
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	zerolog.ErrorFieldName = "err"
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if cfg.Console {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	} else {
		l = zerolog.New(os.Stdout)
	}
	return l.Level(level).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if cfg.Telegram.Token == "" {
		return errors.New("telegram token is required (TELEGRAM_BOT_TOKEN)")
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	hour, minute, err := config.ParseSendTime(cfg.Schedule.SendTime)
	if err != nil {
		return err
	}

	store, err := db.New(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close database")
		}
	}()
	if cfg.Debug {
		store.EnableDebug()
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	if n, err := store.FailInterrupted(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Warn().Int("runs", n).Msg("marked interrupted broadcasts as failed")
	}

	source, err := events.FromConfig(cfg.Events, loc, log)
	if err != nil {
		return err
	}

	locks := mutex.NewBuilder(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if locks.Distributed() {
		log.Info().Str("redis", cfg.Redis.Addr).Msg("using distributed broadcast lock")
	}

	processor := bot.NewProcessor(store, source, cfg.Broadcast.MaxEvents, cfg.Schedule.SendTime, loc, log)
	telegram, err := bot.New(cfg.Telegram, cfg.Broadcast.SendTimeout.Std(), processor, log)
	if err != nil {
		return err
	}

	engine := broadcast.NewEngine(broadcast.Config{
		MaxEvents:   cfg.Broadcast.MaxEvents,
		Workers:     cfg.Broadcast.Workers,
		RatePerSec:  cfg.Broadcast.RatePerSec,
		RetryMax:    cfg.Broadcast.RetryMax,
		SendTimeout: cfg.Broadcast.SendTimeout.Std(),
		Location:    loc,
	}, store, source, telegram, locks.Broadcast("daily"), log)

	sched := scheduler.New(scheduler.Config{
		Hour:         hour,
		Minute:       minute,
		Tick:         cfg.Schedule.Tick,
		MissedWindow: cfg.Schedule.MissedWindow.Std(),
		Location:     loc,
	}, engine, store, log)

	server := admin.NewServer(cfg.Admin, admin.Info{
		SendTime:   cfg.Schedule.SendTime,
		Timezone:   loc.String(),
		LiveEvents: source.Live(),
	}, store, engine, sched, log)
	server.MountWebhook(telegram.Webhook())
	if cfg.Admin.Password == "" {
		log.Warn().Msg("admin password not set, admin API disabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx, ":"+strconv.Itoa(cfg.Admin.Port))
	})
	g.Go(func() error {
		telegram.Start(ctx)
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("unable to notify systemd")
	} else if ok {
		log.Debug().Msg("notified systemd")
	}
	return g.Wait()
}
