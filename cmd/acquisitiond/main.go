// Command acquisitiond runs the Modbus/TCP acquisition core: it loads
// Point definitions from PostgreSQL (or YAML in development), plans them
// into block reads, runs one worker per device, and streams decoded
// samples to a local telemetry collector over a Unix datagram socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/edgeflow/scada-acquisition/internal/acquisition"
	"github.com/edgeflow/scada-acquisition/internal/api"
	"github.com/edgeflow/scada-acquisition/internal/config"
	"github.com/edgeflow/scada-acquisition/internal/configsource"
	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/logger"
	"github.com/edgeflow/scada-acquisition/internal/metrics"
	"github.com/edgeflow/scada-acquisition/internal/registry"
	"github.com/edgeflow/scada-acquisition/internal/sink"
	"github.com/edgeflow/scada-acquisition/internal/telemetry"
	"github.com/edgeflow/scada-acquisition/internal/worker"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	pointsYAML := flag.String("points", "", "path to a YAML point definitions file (overrides Postgres)")
	flag.Parse()

	cfg, loader, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "acquisitiond: load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Logger.Level
	logCfg.Format = cfg.Logger.Format
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "acquisitiond: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Get()
	log.Info("acquisitiond starting", zap.String("version", version))

	source, closeSource := buildSource(*pointsYAML, cfg, log)
	defer closeSource()

	udsSink, err := sink.NewUDSSink(cfg.Acquisition.TelegrafSocketPath)
	if err != nil {
		log.Fatal("open telemetry sink", zap.Error(err))
	}
	defer udsSink.Close()

	svc := acquisition.New(source, udsSink, acquisition.Config{
		WorkerConfig: worker.Config{
			ConnectTimeout:       cfg.ConnectionResilience.ConnectTimeout(),
			RequestTimeout:       cfg.ConnectionResilience.RequestTimeout(),
			HeartbeatInterval:    cfg.ConnectionResilience.HeartbeatDuration(),
			MaxReconnectAttempts: cfg.ConnectionResilience.MaxRetries,
			QueueCapacity:        cfg.Acquisition.QueueCapacity,
		},
		RegistryConfig: registry.Config{
			MaxConcurrentConnects: cfg.Acquisition.MaxWorkerThreads,
		},
	}, log)

	svc.OnSampleSent(func(name string, ok bool) {
		if !ok {
			log.Debug("sample delivery failed", zap.String("point", name))
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	closeTelemetry := wireOptionalTelemetry(ctx, svc, cfg, log)
	defer closeTelemetry()

	if err := svc.Start(ctx); err != nil {
		log.Fatal("start acquisition service", zap.Error(err))
	}
	defer svc.Stop()

	if loader != nil {
		loader.WatchReload(func(fresh *config.Config) {
			log.Info("config reloaded", zap.Int("max_retries", fresh.ConnectionResilience.MaxRetries))
		})
	}

	promReg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(promReg)
	go observeStatsLoop(ctx, svc, collectors)

	srv := api.New(svc, promReg)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := srv.Listen(addr); err != nil {
			log.Error("observability server stopped", zap.Error(err))
		}
	}()
	log.Info("observability server listening", zap.String("addr", addr))

	<-ctx.Done()
	log.Info("shutting down")
	_ = srv.Shutdown()
}

func buildSource(pointsYAML string, cfg *config.Config, log *zap.Logger) (acquisition.Source, func()) {
	if pointsYAML != "" {
		return configsource.NewYAMLSource(pointsYAML), func() {}
	}

	primary, err := configsource.NewPostgresSource(configsource.PostgresConfig{
		Host: cfg.Postgres.Host, Port: cfg.Postgres.Port, Database: cfg.Postgres.Database,
		Username: cfg.Postgres.Username, Password: cfg.Postgres.Password, SSLMode: cfg.Postgres.SSLMode,
	})
	if err != nil {
		log.Fatal("connect config source", zap.Error(err))
	}

	cache, err := configsource.NewLocalCache("./data/point_cache.db")
	if err != nil {
		log.Fatal("open local point cache", zap.Error(err))
	}
	return configsource.NewCachedSource(primary, cache), func() { primary.Close(); cache.Close() }
}

// wireOptionalTelemetry connects every statistics/audit integration whose
// config field is non-empty and returns a cleanup func. Each integration is
// best-effort: a connect failure only disables that one integration.
func wireOptionalTelemetry(ctx context.Context, svc *acquisition.Service, cfg *config.Config, log *zap.Logger) func() {
	var closers []func()

	if cfg.Telemetry.MySQLAuditDSN != "" {
		auditor, err := telemetry.NewAuditLogger(cfg.Telemetry.MySQLAuditDSN)
		if err != nil {
			log.Warn("write-audit logger disabled", zap.Error(err))
		} else {
			svc.OnWriteAudited(func(rec domain.WriteAuditRecord) {
				auditCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := auditor.Log(auditCtx, rec); err != nil {
					log.Warn("write-audit log failed", zap.Error(err))
				}
			})
			closers = append(closers, func() { auditor.Close() })
		}
	}

	var mongoArchiver *telemetry.MongoArchiver
	if cfg.Telemetry.MongoURI != "" {
		var err error
		mongoArchiver, err = telemetry.NewMongoArchiver(ctx, cfg.Telemetry.MongoURI, cfg.Telemetry.MongoDatabase, "stats")
		if err != nil {
			log.Warn("mongo stats archiver disabled", zap.Error(err))
			mongoArchiver = nil
		}
	}

	var s3Archiver *telemetry.S3Archiver
	if cfg.Telemetry.S3Bucket != "" {
		var err error
		s3Archiver, err = telemetry.NewS3Archiver(cfg.Telemetry.S3Bucket)
		if err != nil {
			log.Warn("s3 stats archiver disabled", zap.Error(err))
			s3Archiver = nil
		}
	}

	var mqttPublisher *telemetry.MQTTPublisher
	if cfg.Telemetry.MQTTBrokerURL != "" {
		var err error
		mqttPublisher, err = telemetry.NewMQTTPublisher(telemetry.MQTTPublisherConfig{
			Broker: cfg.Telemetry.MQTTBrokerURL,
			Topic:  cfg.Telemetry.MQTTTopic,
		})
		if err != nil {
			log.Warn("mqtt stats publisher disabled", zap.Error(err))
			mqttPublisher = nil
		} else {
			closers = append(closers, mqttPublisher.Close)
		}
	}

	if mongoArchiver != nil || s3Archiver != nil || mqttPublisher != nil {
		const s3ArchiveInterval = 5 * time.Minute
		var lastS3ArchiveMs atomic.Int64
		svc.OnStats(func(stats domain.GlobalStatistics) {
			statsCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if mongoArchiver != nil {
				if err := mongoArchiver.Archive(statsCtx, stats); err != nil {
					log.Warn("mongo archive failed", zap.Error(err))
				}
			}
			if now := time.Now().UnixMilli(); s3Archiver != nil && now-lastS3ArchiveMs.Load() >= s3ArchiveInterval.Milliseconds() {
				lastS3ArchiveMs.Store(now)
				if err := s3Archiver.Archive(statsCtx, stats); err != nil {
					log.Warn("s3 archive failed", zap.Error(err))
				}
			}
			if mqttPublisher != nil {
				if err := mqttPublisher.Publish(stats); err != nil {
					log.Warn("mqtt publish failed", zap.Error(err))
				}
			}
		})
	}

	return func() {
		for _, c := range closers {
			c()
		}
	}
}

func observeStatsLoop(ctx context.Context, svc *acquisition.Service, collectors *metrics.Collectors) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastTotal, lastOK, lastFailed uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lastTotal, lastOK, lastFailed = collectors.Observe(svc.Stats(), lastTotal, lastOK, lastFailed)
		}
	}
}
