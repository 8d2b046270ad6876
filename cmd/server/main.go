package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-booking/internal/config"
	"github.com/iliyamo/bus-seat-booking/internal/database"
	"github.com/iliyamo/bus-seat-booking/internal/handler"
	"github.com/iliyamo/bus-seat-booking/internal/middleware"
	"github.com/iliyamo/bus-seat-booking/internal/queue"
	"github.com/iliyamo/bus-seat-booking/internal/realtime"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
	"github.com/iliyamo/bus-seat-booking/internal/router"
	"github.com/iliyamo/bus-seat-booking/internal/service"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	if cfg.Env == "prod" || cfg.Env == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
		LockWaitSeconds: cfg.DBLockWaitSeconds,
	})
	if err != nil {
		log.WithError(err).Fatal("mysql connect failed")
	}
	defer db.Close()
	if cfg.MigrateOnStart {
		if err := database.Migrate(ctx, db.DB); err != nil {
			log.WithError(err).Fatal("migrations failed")
		}
	}

	// Hints live in Redis when it is reachable, otherwise in process memory.
	rdb := config.NewRedisClient()
	var hints service.HintStore
	if rdb != nil {
		defer rdb.Close()
		hints = repository.NewHintStore(rdb, cfg.Seats.HintPrefix)
	} else {
		log.Warn("redis unavailable: hints are process-local, rate limit and layout cache disabled")
		hints = repository.NewMemoryHintStore()
	}

	// Seat events go through RabbitMQ so every instance sees them. Without a
	// broker the hub receives them directly and booking.confirmed is skipped.
	hub := realtime.NewHub(cfg.Seats.EventBuffer)
	var (
		events   service.Broadcaster = hub
		notifier service.BookingNotifier
	)
	pub, err := queue.NewPublisher(cfg.AMQPURL, log)
	if err != nil {
		log.WithError(err).Warn("rabbitmq unavailable: seat events stay in-process")
	} else {
		defer pub.Close()
		events, notifier = pub, pub
		go queue.StartSeatEventConsumer(ctx, cfg.AMQPURL, hub, log)
		if cfg.BookingLogEnabled {
			go queue.StartBookingConsumer(ctx, cfg.AMQPURL, cfg.BookingLogDir, log)
		}
	}

	trips := repository.NewTripRepo(db)
	seats := repository.NewSeatRepo(db)

	locks := service.NewLockManager(trips, seats, repository.NewLockRepo(db), events, cfg.Seats, log)
	hintSvc := service.NewHintService(trips, seats, hints, events, cfg.Seats, log)
	inventory := service.NewInventory(trips, seats, hints, log)
	finalizer := service.NewFinalizer(repository.NewDraftRepo(db), repository.NewBookingRepo(db), locks, events, notifier, cfg.Seats, log)

	sweeper := service.NewSweeper(locks, hintSvc, cfg.Seats.SweepSchedule, log)
	if err := sweeper.Start(); err != nil {
		log.WithError(err).Fatal("sweeper schedule invalid")
	}

	optional := map[string]handler.HealthCheck{"redis": nil, "rabbitmq": nil}
	if rdb != nil {
		optional["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if pub != nil {
		optional["rabbitmq"] = pub.Ping
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))
	router.Register(e, router.Deps{
		JWTSecret: cfg.JWTSecret,
		Redis:     rdb,
		RateLimit: cfg.RateLimit,
		Cache:     cfg.Cache,
		Log:       log,
		Seats:     &handler.SeatHandler{Inventory: inventory, Hints: hintSvc, Hub: hub, Log: log},
		Checkout:  &handler.CheckoutHandler{Locks: locks, Log: log},
		Bookings:  &handler.BookingHandler{Finalizer: finalizer, Log: log},
		Admin:     &handler.AdminHandler{Sweeper: sweeper},
		Required:  map[string]handler.HealthCheck{"mysql": db.PingContext},
		Optional:  optional,
	})

	addr := ":" + cfg.Port
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// SSE streams never finish on their own; end them before draining.
	_ = hub.Close()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	sweeper.Stop(shutdownCtx)
	log.Info("server exited")
}
