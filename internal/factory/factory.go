package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"guard-service/internal/bucketing"
	"guard-service/internal/client"
	"guard-service/internal/config"
	"guard-service/internal/encryption"
	"guard-service/internal/evidence"
	"guard-service/internal/guard"
	"guard-service/internal/hashing"
	"guard-service/internal/repository/memory"
	redisrepo "guard-service/internal/repository/redis"
	"guard-service/internal/repository/scylla"
	"guard-service/internal/service"
	"guard-service/internal/tls"
	"guard-service/internal/util"
)

// counterStore is what the factory needs from a backend: the guard's
// contract plus the operator view.
type counterStore interface {
	guard.CounterStore
	service.CounterAdmin
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients, nil unless the store or an evidence sink needs them
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	fingerprinter     *hashing.Fingerprinter
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	store      counterStore
	fileSink   *evidence.FileSink
	sinks      *evidence.MultiSink
	dispatcher *evidence.Dispatcher
	guard      *guard.Guard

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory loads configuration from the environment and builds
// everything from it.
func NewFactory() (*Factory, error) {
	return New(config.LoadConfig())
}

func New(cfg *config.Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg)
	}

	if err := f.initializeClients(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	f.initializeStore()
	if err := f.initializeEvidence(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize evidence pipeline: %w", err)
	}
	if err := f.initializeGuard(); err != nil {
		f.Close()
		return nil, err
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store", cfg.Store.Type),
		util.Strings("evidence_sinks", f.sinks.Names()),
		util.Bool("evidence_async", f.dispatcher != nil),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return f, nil
}

// initializeClients connects only what the store and the enabled sinks
// use. Failures are fatal in production and warnings elsewhere.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error
	logger := util.Get()

	if f.config.Store.Type == "redis" {
		if c, err := client.NewRedisClient(f.config, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
		}
	}

	if f.config.HasSink("scylla") {
		if c, err := scylla.NewScyllaClient(f.config, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := c.EnsureSchema(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla schema: %w", err))
		} else {
			f.scyllaClient = c
		}
	}

	if f.config.HasSink("kafka") {
		if p, err := client.NewKafkaProducer(f.config, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = p
		}
	}

	if f.config.HasSink("elasticsearch") {
		if c, err := client.NewElasticsearchClient(f.config, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
		}
	}

	if f.config.HasSink("clickhouse") {
		if c, err := client.NewClickHouseClient(f.config, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := evidence.NewClickHouseSink(c).EnsureSchema(ctx); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse schema: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() error {
	fp, err := hashing.NewFingerprinter(f.config)
	if err != nil {
		return fmt.Errorf("fingerprinter: %w", err)
	}
	f.fingerprinter = fp
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	var kmsAPI encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		kmsClient, err := encryption.NewKMSClient(ctx, f.config)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsAPI = kmsClient
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsAPI)

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.fingerprinter.CurrentVersion()),
		util.Int("event_buckets", f.bucketingManager.GetEventBuckets()),
		util.Bool("seal_keys", f.config.Evidence.SealKeys),
	)
	return nil
}

func (f *Factory) initializeStore() {
	if f.redisClient != nil {
		f.store = redisrepo.NewWindowCounterCache(f.redisClient)
		return
	}
	if f.config.Store.Type == "redis" {
		// only reachable outside production, see initializeClients
		util.Warn("Redis unavailable, counting in process memory; replicas will not share limits")
	}
	f.store = memory.NewWindowCounterStore()
}

func (f *Factory) initializeEvidence() error {
	var sinks []evidence.NamedSink

	for _, name := range f.config.Evidence.Sinks {
		name = strings.ToLower(name)
		switch name {
		case "log":
			sinks = append(sinks, evidence.NamedSink{Name: name, Sink: evidence.NewLogSink(util.Get())})
		case "file":
			fs, err := evidence.NewFileSink(f.config.Evidence.FilePath, f.config.Evidence.FileSync)
			if err != nil {
				return err
			}
			f.fileSink = fs
			sinks = append(sinks, evidence.NamedSink{Name: name, Sink: fs})
		case "kafka":
			if f.kafkaProducer != nil {
				sinks = append(sinks, evidence.NamedSink{Name: name, Sink: evidence.NewKafkaSink(f.kafkaProducer, f.config.Kafka.EvidenceTopic)})
			}
		case "elasticsearch":
			if f.esClient != nil {
				sinks = append(sinks, evidence.NamedSink{Name: name, Sink: evidence.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.EvidenceIndex)})
			}
		case "clickhouse":
			if f.clickhouseClient != nil {
				sinks = append(sinks, evidence.NamedSink{Name: name, Sink: evidence.NewClickHouseSink(f.clickhouseClient)})
			}
		case "scylla":
			if f.scyllaClient != nil {
				sinks = append(sinks, evidence.NamedSink{Name: name, Sink: scylla.NewEvidenceRepository(f.scyllaClient)})
			}
		}
	}

	if len(sinks) == 0 {
		util.Warn("No evidence sink available, falling back to log sink")
		sinks = append(sinks, evidence.NamedSink{Name: "log", Sink: evidence.NewLogSink(util.Get())})
	}
	f.sinks = evidence.NewMultiSink(sinks...)
	return nil
}

func (f *Factory) initializeGuard() error {
	opts := []evidence.EnricherOption{
		evidence.WithFingerprinter(f.fingerprinter),
		evidence.WithBucketer(f.bucketingManager),
	}
	if f.config.Evidence.SealKeys {
		opts = append(opts, evidence.WithSealer(f.encryptionManager))
	}

	var sink guard.EvidenceSink = evidence.NewEnricher(f.sinks, util.Get(), opts...)
	var stats service.EvidenceStats
	if f.config.Evidence.Async {
		f.dispatcher = evidence.NewDispatcher(evidence.DispatcherConfig{
			BufferSize:   f.config.Evidence.BufferSize,
			DropIfFull:   f.config.Evidence.DropIfFull,
			WriteTimeout: f.config.Evidence.WriteTimeout,
		}, sink, util.Get())
		sink = f.dispatcher
		stats = f.dispatcher
	}

	g, err := guard.New(f.store, sink, guard.Config{
		Threshold:       f.config.Guard.Threshold,
		Window:          f.config.Guard.Window,
		StoreTimeout:    f.config.Guard.StoreTimeout,
		KeyPrefix:       f.config.Guard.KeyPrefix,
		RiskLabel:       f.config.Guard.RiskLabel,
		EvidenceTimeout: f.config.Evidence.WriteTimeout,
	}, util.Get())
	if err != nil {
		return err
	}
	f.guard = g
	f.serviceFactory = service.NewServiceFactory(g, f.store, stats, util.Get())
	return nil
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

// HealthCheck pings the counter store and every connected sink client.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.store != nil {
		if err := f.store.HealthCheck(ctx); err != nil {
			healthErrors["store"] = err
		}
	} else {
		healthErrors["store"] = fmt.Errorf("counter store not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy only considers the counter store; evidence sinks never gate
// guard decisions.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	_, failed := f.HealthCheck(ctx)["store"]
	return !failed
}

// Close drains queued evidence before closing the clients it writes to.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.dispatcher != nil {
			f.dispatcher.Close()
			util.Info("Evidence dispatcher drained",
				util.Uint64("written", f.dispatcher.Written()),
				util.Uint64("failed", f.dispatcher.Failed()),
				util.Uint64("dropped", f.dispatcher.Dropped()))
		}

		if f.fileSink != nil {
			if err := f.fileSink.Close(); err != nil {
				util.Error("Failed to close evidence file", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Guard() *guard.Guard {
	return f.guard
}
