// README: Entry point; loads config, wires services, starts the HTTP server and background loops.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rideflow/internal/config"
	httptransport "rideflow/internal/http"
	"rideflow/internal/infra"
	"rideflow/internal/maps"
	"rideflow/internal/modules/delivery"
	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/events"
	"rideflow/internal/modules/location"
	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/registry"
	"rideflow/internal/modules/rewards"
	"rideflow/internal/modules/settlement"
	"rideflow/internal/modules/trip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := infra.NewLogger(cfg.Log.Level)
	log := logrus.NewEntry(logger).WithField("service", "rideflow-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DB.AutoMigrate {
		if err := infra.Migrate(cfg.DB.MigrationPath, cfg.DB.DSN); err != nil {
			log.WithError(err).Fatal("migrate")
		}
	}
	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.WithError(err).Fatal("postgres")
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.WithError(err).Fatal("redis")
	}
	defer redisClient.Close()

	// Firebase backs FCM push and the RTDB mirror; with jwt auth it is optional.
	var fb *infra.Firebase
	if cfg.Auth.Provider == "firebase" || cfg.Firebase.ProjectID != "" {
		fb, err = infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("firebase")
		}
	}
	var verifier infra.TokenVerifier
	if cfg.Auth.Provider == "jwt" {
		verifier = infra.NewJWTVerifier(cfg.Auth.JWTSecret)
	} else {
		verifier = infra.NewFirebaseVerifier(fb.Auth)
	}

	hub := delivery.NewHub(log)
	var pusher delivery.Pusher
	if fb != nil {
		pusher = delivery.NewFCMPusher(fb.Messaging)
	}
	channel := delivery.NewChannel(hub, pusher, log, cfg.Dispatch.DeliveryTimeout)

	regStore := registry.NewStore(dbPool)
	index, err := matching.NewIndex(cfg.Matching, func() matching.Index { return matching.NewRedisIndex(redisClient) })
	if err != nil {
		log.WithError(err).Fatal("matching index")
	}
	matcher := matching.NewService(index, regStore, channel, cfg.Matching)
	registrySvc := registry.NewService(regStore, matcher, log, cfg.Dispatch.StaleAfter, cfg.Dispatch.SweepInterval)
	channel.SetPruner(registrySvc)

	sched := dispatch.NewScheduler(cfg.Dispatch.Resolution, log)
	dispatchSvc := dispatch.NewService(sched, dispatch.NewStore(redisClient), matcher, regStore, channel, cfg.Dispatch, log)

	pricingDefaults, err := pricing.DefaultsFromConfig(cfg.Pricing)
	if err != nil {
		log.WithError(err).Fatal("pricing defaults")
	}
	pricingSvc := pricing.NewService(pricing.NewStore(dbPool), pricingDefaults, cfg.Pricing.CacheTTL, log)
	rewardsSvc := rewards.NewService(rewards.NewStore(dbPool), log)
	settler := settlement.NewEngine(dbPool, pricingSvc, log)

	routes, err := maps.NewRouteService(cfg.Maps.APIKey, cfg.Trip.DefaultETAKmph, log)
	if err != nil {
		log.WithError(err).Fatal("maps")
	}

	deps := trip.Deps{
		Parties:    registrySvc,
		Dispatcher: dispatchSvc,
		Wallet:     rewardsSvc,
		Settings:   pricingSvc,
		Settler:    settler,
		Notifier:   channel,
		ETA:        routes,
	}
	if cfg.Kafka.Enabled {
		kp, err := infra.NewKafkaProducer(cfg.Kafka.Brokers, "rideflow-api")
		if err != nil {
			log.WithError(err).Fatal("kafka")
		}
		producer := events.NewProducer(kp, cfg.Kafka.Topic, log)
		defer producer.Close()
		deps.Publisher = producer
	}
	tripSvc := trip.NewService(trip.NewStore(dbPool), deps, cfg.Trip, log)
	dispatchSvc.SetTrips(tripSvc)
	dispatchSvc.SetWallet(rewardsSvc)

	var mirror location.Mirror
	if fb != nil && fb.Database != nil {
		mirror = location.NewRTDBMirror(fb.Database)
	}
	locationSvc := location.NewService(location.NewStore(redisClient), registrySvc, tripSvc, hub, mirror, cfg.Trip, log)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Trips:    tripSvc,
		Presence: registrySvc,
		Location: locationSvc,
		Tokens:   registrySvc,
		Hub:      hub,
		Verifier: verifier,
		Log:      log,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { sched.Run(gctx); return nil })
	g.Go(func() error { dispatchSvc.RunOrphanSweep(gctx); return nil })
	g.Go(func() error { registrySvc.RunStalenessSweep(gctx); return nil })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("shutdown")
		os.Exit(1)
	}
	log.Info("stopped")
}
