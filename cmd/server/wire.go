package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"kycgate/internal/kyc/adapters"
	"kycgate/internal/kyc/fraud"
	kycmetrics "kycgate/internal/kyc/metrics"
	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/otp"
	"kycgate/internal/kyc/ports"
	"kycgate/internal/kyc/processor"
	"kycgate/internal/kyc/service"
	documentstore "kycgate/internal/kyc/store/document"
	otpstore "kycgate/internal/kyc/store/otp"
	"kycgate/internal/kyc/store/ratelimit"
	sessionstore "kycgate/internal/kyc/store/session"
	"kycgate/internal/platform/config"
	"kycgate/internal/platform/httpserver"
	"kycgate/internal/platform/kafka"
	"kycgate/internal/platform/postgres"
	"kycgate/internal/platform/redis"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/audit/outbox"
	"kycgate/pkg/platform/audit/recorder"
	auditmemory "kycgate/pkg/platform/audit/store/memory"
	auditpostgres "kycgate/pkg/platform/audit/store/postgres"
	"kycgate/pkg/platform/clock"
	"kycgate/pkg/secrets"
)

// infra holds the external connections. Nil members are disabled.
type infra struct {
	db    *sql.DB
	redis *redis.Client
	kafka *kgo.Client
}

func (i *infra) close(logger *slog.Logger) {
	if i.kafka != nil {
		i.kafka.Close()
	}
	if i.redis != nil {
		if err := i.redis.Close(); err != nil {
			logger.Warn("redis close failed", "error", err)
		}
	}
	if i.db != nil {
		if err := i.db.Close(); err != nil {
			logger.Warn("database close failed", "error", err)
		}
	}
}

// stores is the persistence set for one backend.
type stores struct {
	sessions  ports.SessionStore
	documents ports.DocumentStore
	codes     ports.OTPStore
	audit     audit.Store
	outbox    outbox.Store
	tx        ports.TxRunner
}

// kycCore is the in-process API consumed by controllers and admin tooling.
type kycCore struct {
	Service   *service.Service
	Challenge *otp.Challenge
	Fraud     *fraud.Checker
	Processor *processor.Processor
	Recorder  *recorder.Recorder
	Relay     *outbox.Relay
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger, checks map[string]httpserver.Check) (*infra, error) {
	in := &infra{}
	if !cfg.Server.InMemory {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		in.db = db
		checks["postgres"] = func(ctx context.Context) error { return postgres.Health(ctx, db) }
		if cfg.Database.MigrateOnStart {
			if err := postgres.Migrate(ctx, db, logger); err != nil {
				in.close(logger)
				return nil, err
			}
		}
	}

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		in.close(logger)
		return nil, err
	}
	if rdb != nil {
		in.redis = rdb
		checks["redis"] = rdb.Health
	}

	if in.db != nil {
		client, err := kafka.NewClient(cfg.Kafka)
		if err != nil {
			in.close(logger)
			return nil, err
		}
		if client != nil {
			in.kafka = client
			if err := kafka.EnsureTopic(ctx, client, cfg.Kafka.AuditTopic, cfg.Kafka.Partitions, cfg.Kafka.Replication); err != nil {
				logger.WarnContext(ctx, "audit topic not provisioned", "topic", cfg.Kafka.AuditTopic, "error", err)
			}
			checks["kafka"] = func(ctx context.Context) error { return kafka.Health(ctx, client) }
		}
	}
	return in, nil
}

func newStores(cfg *config.Config, in *infra) *stores {
	if in.db == nil {
		sessions := sessionstore.NewInMemory()
		return &stores{
			sessions:  sessions,
			documents: documentstore.NewInMemory(sessions),
			codes:     otpstore.NewInMemory(),
			audit:     auditmemory.NewInMemoryStore(),
			tx:        service.NewMemoryTx(),
		}
	}
	auditStore := auditpostgres.New(in.db)
	return &stores{
		sessions:  sessionstore.NewPostgres(in.db),
		documents: documentstore.NewPostgres(in.db),
		codes:     otpstore.NewPostgres(in.db),
		audit:     auditStore,
		outbox:    auditStore,
		tx:        newKYCPostgresTx(in.db, cfg.Database.TxTimeout),
	}
}

func buildCore(cfg *config.Config, in *infra, st *stores, reg prometheus.Registerer, logger *slog.Logger) (*kycCore, error) {
	secretStore, err := secrets.NewStore(cfg.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("secret store: %w", err)
	}
	m := kycmetrics.New(reg)

	rec := recorder.New(st.audit,
		recorder.WithLogger(logger),
		recorder.WithMetrics(recorder.NewMetrics(reg)),
		recorder.WithBufferSize(cfg.Audit.BufferSize),
		recorder.WithFlushInterval(cfg.Audit.FlushInterval),
	)

	checker, err := fraud.New(st.documents, secretStore,
		fraud.WithLogger(logger),
		fraud.WithAuditRecorder(rec),
		fraud.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	svc, err := service.New(st.sessions, st.documents, secretStore, checker,
		service.WithLogger(logger),
		service.WithAuditRecorder(rec),
		service.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	var limiter ports.DestinationLimiter = ratelimit.NewInMemoryBucketStore()
	if in.redis != nil {
		limiter = ratelimit.NewRedisBucketStore(in.redis.Client)
	}
	challengeOpts := []otp.Option{
		otp.WithLogger(logger),
		otp.WithAuditRecorder(rec),
		otp.WithMetrics(m),
		otp.WithSendTimeout(cfg.OTP.SendTimeout),
		otp.WithDestinationLimiter(limiter, cfg.OTP.DestinationLimit, cfg.OTP.DestinationWindow),
	}
	if sms := adapters.NewSMSSender(cfg.SMS); sms != nil {
		challengeOpts = append(challengeOpts, otp.WithSender(models.OTPMethodSMS, sms))
	} else {
		logger.Warn("sms delivery not configured")
	}
	if email := adapters.NewEmailSender(cfg.SMTP); email != nil {
		challengeOpts = append(challengeOpts, otp.WithSender(models.OTPMethodEmail, email))
	} else {
		logger.Warn("email delivery not configured")
	}
	challenge, err := otp.New(st.sessions, st.codes, secretStore, st.tx, svc.Transitioner(), challengeOpts...)
	if err != nil {
		return nil, err
	}

	source := adapters.NewFileSource(cfg.Processor.DocumentRoot)
	scanner := adapters.NewHeuristicScanner(source,
		adapters.WithMaxBytes(cfg.Processor.MaxDocumentBytes),
		adapters.WithScannerLogger(logger),
	)
	proc, err := processor.New(st.sessions, st.documents, scanner, adapters.NewStubExtractor(clock.Real()), secretStore, svc.Transitioner(),
		processor.WithLogger(logger),
		processor.WithAuditRecorder(rec),
		processor.WithMetrics(m),
		processor.WithSettings(processor.Settings{
			PollInterval:      cfg.Processor.PollInterval,
			BatchSize:         cfg.Processor.BatchSize,
			PoolSize:          cfg.Processor.PoolSize,
			ClaimLease:        cfg.Processor.ClaimLease,
			CapabilityTimeout: cfg.Processor.CapabilityTimeout,
			RetryBudget:       cfg.Processor.RetryBudget,
			MinConfidence:     cfg.Processor.MinConfidence,
		}),
	)
	if err != nil {
		return nil, err
	}

	core := &kycCore{
		Service:   svc,
		Challenge: challenge,
		Fraud:     checker,
		Processor: proc,
		Recorder:  rec,
	}
	if in.kafka != nil && st.outbox != nil {
		core.Relay = outbox.NewRelay(st.outbox, in.kafka,
			outbox.WithTopic(cfg.Kafka.AuditTopic),
			outbox.WithBatchSize(cfg.Kafka.RelayBatchSize),
			outbox.WithInterval(cfg.Kafka.RelayInterval),
			outbox.WithLogger(logger),
		)
	}
	return core, nil
}
