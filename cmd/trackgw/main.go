package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
	"nuha.dev/trackgw/internal/config"
	"nuha.dev/trackgw/internal/gw/frame"
	"nuha.dev/trackgw/internal/gw/protocol"
	"nuha.dev/trackgw/internal/gw/protocol/h02"
	"nuha.dev/trackgw/internal/gw/protocol/sk"
	"nuha.dev/trackgw/internal/gw/registry"
	"nuha.dev/trackgw/internal/gw/server"
	"nuha.dev/trackgw/internal/natsbridge"
	"nuha.dev/trackgw/internal/store"
	"nuha.dev/trackgw/internal/store/impl/logstore"
	"nuha.dev/trackgw/internal/store/impl/pgstore"
	"nuha.dev/trackgw/internal/telemetry"
	"nuha.dev/trackgw/internal/util"
	"nuha.dev/trackgw/internal/web/monitoring"
	"nuha.dev/trackgw/internal/web/webstream"
)

var cfgFile = flag.String("config", "", "config file (yaml, json or toml)")

func main() {
	t0 := time.Now()
	flag.Parse()
	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log.DefaultLogger.Level = log.ParseLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instance := util.GenUUID()
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "main").Str("instance", instance).Value()

	protos := protocol.NewRegistry(h02.NewParser(), sk.NewParser())

	conns := registry.NewRegistry(registry.Config{
		Delimiter:      cfg.End(),
		CommandTimeout: cfg.CommandTimeout,
		RefSalt:        cfg.RefSalt,
	})
	var presence registry.PresenceStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, presence mirroring will retry")
		}
		p := registry.NewRedisPresence(rdb, "", cfg.Redis.PresenceTTL)
		conns.UsePresence(p, instance)
		presence = p
	}

	hub, err := telemetry.NewHub(cfg.NodeID)
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry hub")
	}

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	spawn(func() { conns.Run(ctx) })

	var records store.TelemetryStore
	var audit store.CommandStore
	if cfg.DB.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.DB.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connect")
		}
		defer pool.Close()
		st := pgstore.NewStore(pool, cfg.DB.Table, &pgstore.StoreConfig{BufSize: cfg.DB.BatchSize, MaxAgeFlush: cfg.DB.MaxAge})
		if err := st.EnsureTable(ctx); err != nil {
			logger.Fatal().Err(err).Msg("telemetry table")
		}
		cl := pgstore.NewCommandLog(pool)
		if err := cl.EnsureTables(ctx); err != nil {
			logger.Fatal().Err(err).Msg("command tables")
		}
		spawn(func() { st.Run(ctx) })
		hub.OnTelemetry("command_response", cl.Responses())
		records, audit = st, cl
	} else {
		ls := logstore.NewStore()
		records, audit = ls, ls
	}
	hub.OnTelemetry("store", func(ctx context.Context, ev telemetry.Event) { records.Put(ev) })

	stream := webstream.NewWebstream()
	hub.OnTelemetry("webstream", stream.Publish)

	srv := server.NewServer(protos, conns, hub, &server.ServerConfig{
		ListenerAddr:    cfg.Listen,
		ProxyProtocol:   cfg.ProxyProtocol,
		TunnelAddr:      cfg.Tunnel.Addr,
		TunnelToken:     cfg.Tunnel.Token,
		ReadIdleTimeout: cfg.ReadIdle,
		Framing:         frame.Config{Start: cfg.Start(), End: cfg.End(), MaxLen: cfg.MaxMessageLen},
	})
	commander := server.NewCommander(protos, conns)

	if cfg.Nats.URL != "" {
		nc, err := natsbridge.Connect(cfg.Nats.URL, "trackgw-"+instance)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		bridge := natsbridge.NewBridge(nc, cfg.Nats.Prefix, commander, audit)
		hub.OnTelemetry("nats", bridge.Publish)
		hub.OnConnection("nats", bridge.PublishConn)
		if err := bridge.ServeCommands(); err != nil {
			logger.Fatal().Err(err).Msg("nats command subscription")
		}
		defer bridge.Close()
	}

	if cfg.Admin.Addr != "" {
		mon := monitoring.NewMonApi(monitoring.Deps{
			Conns:    conns,
			Presence: presence,
			Commands: commander,
			Closer:   srv,
			Audit:    audit,
			Stream:   stream,
		}, &monitoring.MonitoringConfig{ListenAddr: cfg.Admin.Addr, AdminUser: cfg.Admin.User, AdminHash: cfg.Admin.Hash})
		spawn(func() {
			if err := mon.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("monitoring api stopped")
			}
		})
	}

	logger.Info().Strs("protocols", protos.Names()).Str("listen", cfg.Listen).Msg("starting gateway")
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("gateway stopped")
		stop()
	}
	srv.Wait()
	wg.Wait()
	logger.Info().Dur("uptime", time.Since(t0)).Msg("shutdown complete")
}
