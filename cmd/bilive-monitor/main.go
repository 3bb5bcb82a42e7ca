package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bilive-monitor/internal/adapters/api/bili"
	"bilive-monitor/internal/adapters/storage/sqlite"
	cfgpkg "bilive-monitor/internal/infrastructure/config"
	"bilive-monitor/internal/infrastructure/danmaku"
	httpapi "bilive-monitor/internal/infrastructure/httpapi"
	obs "bilive-monitor/internal/infrastructure/observability"
	"bilive-monitor/internal/monitor"
	"bilive-monitor/internal/notify"
	"bilive-monitor/internal/usecase"
)

func main() {
	cfg := cfgpkg.FromEnv()

	logger := obs.NewLogger(cfg.LogLevel)
	logger.Info().Str("addr", cfg.Addr).Str("db", cfg.DBPath).Msg("starting bilive-monitor")

	metrics := obs.NewMetrics()

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer store.Close()

	// monitored uids: configured ones plus subscriptions from earlier runs
	uids := make([]int64, 0, len(cfg.RoomUIDs))
	seen := make(map[int64]bool)
	for _, uid := range cfg.RoomUIDs {
		if !seen[uid] {
			seen[uid] = true
			uids = append(uids, uid)
		}
	}
	if subs, err := store.ListSubscriptions(context.Background()); err != nil {
		logger.Error().Err(err).Msg("load subscriptions failed")
	} else {
		for _, sub := range subs {
			if !seen[sub.UID] {
				seen[sub.UID] = true
				uids = append(uids, sub.UID)
			}
		}
	}
	if len(uids) == 0 {
		logger.Fatal().Msg("no rooms to monitor: set ROOM_UIDS")
	}

	buffer := usecase.NewStatsBuffer(store, logger)
	buffer.OnFlush = func(err error) {
		if err != nil {
			metrics.FlushErrorsTotal.Inc()
			return
		}
		metrics.FlushesTotal.Inc()
	}

	flushCtx, stopFlush := context.WithCancel(context.Background())
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		buffer.Run(flushCtx, time.Duration(cfg.FlushIntervalMs)*time.Millisecond)
	}()

	api := bili.NewClient(bili.Credential{
		SESSDATA: cfg.SESSDATA,
		BiliJCT:  cfg.BiliJCT,
		Buvid3:   cfg.Buvid3,
	})
	notifier := notify.NewWebhook(cfg.WebhookURL, logger)

	rooms := httpapi.NewRoomRegistry()
	monitors := make([]*monitor.RoomMonitor, 0, len(uids))

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 60*time.Second)
	for _, uid := range uids {
		dispatcher := danmaku.NewDispatcher(logger)
		m := monitor.New(monitor.Config{UID: uid}, api, store, buffer, notifier, dispatcher, logger)

		// failures are logged, not fatal: the other rooms keep going
		if err := m.Resolve(connectCtx); err != nil {
			logger.Error().Err(err).Int64("uid", uid).Msg("room resolution failed, skipping")
			continue
		}
		if err := store.SaveSubscription(connectCtx, usecase.RoomSubscription{
			UID: uid, RoomID: m.RoomID(), Uname: m.Uname(),
		}); err != nil {
			logger.Error().Err(err).Int64("uid", uid).Msg("save subscription failed")
		}

		client := danmaku.NewClient(api, dispatcher, metrics, logger, danmaku.Options{
			RoomID:            m.RoomID(),
			Buvid:             cfg.Buvid3,
			HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
			ReconnectDelay:    time.Duration(cfg.ReconnectDelayMs) * time.Millisecond,
		})
		m.SetConn(client)
		if err := m.Connect(connectCtx); err != nil {
			// keep the monitor around; its state shows up on /api/rooms
			logger.Error().Err(err).Int64("uid", uid).Msg("chat connect failed")
		}
		monitors = append(monitors, m)
		rooms.Add(m)
	}
	cancelConnect()
	if len(monitors) == 0 {
		logger.Fatal().Msg("no room could be resolved")
	}

	deps := &httpapi.Deps{Cfg: cfg, Logger: logger, Metrics: metrics, Rooms: rooms}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	for _, m := range monitors {
		m.Disconnect()
	}
	// stop the ticker; Run drains the buffer before returning
	stopFlush()
	<-flushDone

	logger.Info().Msg("bye")
}
