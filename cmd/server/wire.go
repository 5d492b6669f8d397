package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	audithandler "sovereign/internal/audit/handler"
	"sovereign/internal/certificate/cas"
	certhandler "sovereign/internal/certificate/handler"
	"sovereign/internal/certificate/pqsign"
	certsvc "sovereign/internal/certificate/service"
	certstore "sovereign/internal/certificate/store"
	issuancesvc "sovereign/internal/issuance/service"
	jwttoken "sovereign/internal/jwt_token"
	"sovereign/internal/platform/config"
	"sovereign/internal/platform/metrics"
	"sovereign/internal/platform/postgres"
	redisclient "sovereign/internal/platform/redis"
	rarityhandler "sovereign/internal/rarity/handler"
	ratelimitmw "sovereign/internal/ratelimit/middleware"
	ratelimitmodels "sovereign/internal/ratelimit/models"
	ratelimitstore "sovereign/internal/ratelimit/store"
	raritymodels "sovereign/internal/rarity/models"
	raritysvc "sovereign/internal/rarity/service"
	raritystore "sovereign/internal/rarity/store"
	registryhandler "sovereign/internal/registry/handler"
	registrysvc "sovereign/internal/registry/service"
	registrystore "sovereign/internal/registry/store"
	sessionhandler "sovereign/internal/session/handler"
	sessionsvc "sovereign/internal/session/service"
	sessionstore "sovereign/internal/session/store"
	httptransport "sovereign/internal/transport/http"
	"sovereign/internal/upstream"
	audit "sovereign/pkg/platform/audit"
	"sovereign/pkg/platform/audit/publisher"
	auditmemory "sovereign/pkg/platform/audit/store/memory"
	auditpostgres "sovereign/pkg/platform/audit/store/postgres"
	"sovereign/pkg/platform/audit/worker"
	"sovereign/pkg/platform/circuit"
	"sovereign/pkg/platform/middleware/metadata"
)

const (
	operatorIssuer   = "sovereign"
	operatorAudience = "operators"
	auditBufferSize  = 1024
)

type application struct {
	router  http.Handler
	relay   *worker.Worker
	storage string
	closers []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type storageSet struct {
	ledger   raritysvc.Ledger
	registry registrysvc.Store
	records  certsvc.RecordStore
	sessions sessionsvc.Store
	audit    audit.Store
	outbox   worker.Outbox
	tx       issuancesvc.IssuanceTx
}

// build assembles the service graph. An empty SOVEREIGN_DATABASE_URL selects
// in-memory stores; Redis, Kafka and the object store are each optional.
func build(ctx context.Context, cfg config.Server, log *slog.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) (app *application, err error) {
	app = &application{storage: "memory"}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	policy := raritymodels.DefaultPolicy()
	if cfg.TierPolicyPath != "" {
		if policy, err = raritymodels.LoadPolicy(cfg.TierPolicyPath); err != nil {
			return app, err
		}
	}

	checks := map[string]httptransport.HealthCheck{}

	var stores storageSet
	if cfg.DatabaseURL != "" {
		db, pool, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return app, err
		}
		app.closers = append(app.closers, func() { _ = db.Close() }, pool.Close)
		checks["postgres"] = db.PingContext

		if stores, err = postgresStores(ctx, db, pool, policy); err != nil {
			return app, err
		}
		app.storage = "postgres"
	} else {
		stores = memoryStores(policy, log)
	}

	rc, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		return app, err
	}
	var idem upstream.IdempotencyStore = upstream.NewMemoryIdempotency()
	var limits ratelimitmw.Store = ratelimitstore.NewInMemory()
	registryOpts := []registrysvc.Option{}
	if rc != nil {
		limits = ratelimitstore.NewRedisStore(rc.Client)
		app.closers = append(app.closers, func() { _ = rc.Close() })
		checks["redis"] = rc.Health
		idem = upstream.NewRedisIdempotency(rc.Client)
		registryOpts = append(registryOpts, registrysvc.WithCache(registrystore.NewRedisCache(rc.Client, cfg.Redis.CacheTTL)))
	}

	pub := publisher.NewPublisher(stores.audit, publisher.WithAsyncBuffer(auditBufferSize), publisher.WithLogger(log))
	app.closers = append(app.closers, pub.Close)

	if stores.outbox != nil && len(cfg.Kafka.Brokers) > 0 {
		producer, err := worker.NewKafkaProducer(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return app, err
		}
		app.closers = append(app.closers, producer.Close)
		app.relay = worker.NewWorker(stores.outbox, producer, worker.WithLogger(log))
	}

	content, err := contentStore(ctx, cfg.ObjectStore, log)
	if err != nil {
		return app, err
	}
	signer, err := loadSigner(cfg.Protocol.SignerSeed, log)
	if err != nil {
		return app, err
	}
	verifier, err := pqsign.NewVerifier(signer.PublicKey())
	if err != nil {
		return app, err
	}

	registryOpts = append(registryOpts,
		registrysvc.WithLogger(log),
		registrysvc.WithMetrics(m),
		registrysvc.WithAuditPublisher(pub),
	)
	registry := registrysvc.New(stores.registry, registryOpts...)
	rarity := raritysvc.New(policy, stores.ledger, raritysvc.WithLogger(log), raritysvc.WithMetrics(m))
	certificates := certsvc.New(signer, verifier, content, stores.records, certsvc.Config{
		Genesis:         cfg.Protocol.GenesisTimestamp,
		Version:         cfg.Protocol.CertVersion,
		ProtocolVersion: cfg.Protocol.ProtocolVersion,
	}, certsvc.WithLogger(log), certsvc.WithMetrics(m), certsvc.WithAuditPublisher(pub))
	issuance := issuancesvc.New(rarity, certificates, registry, stores.tx,
		issuancesvc.WithLogger(log),
		issuancesvc.WithMetrics(m),
		issuancesvc.WithAuditPublisher(pub),
	)

	chain, reviewer := collaborators(cfg.Upstream, log)
	sessions := sessionsvc.New(sessionsvc.Deps{
		Store:         stores.sessions,
		Rarity:        rarity,
		Registry:      registry,
		Issuer:        issuance,
		Chain:         chain,
		Reviewer:      reviewer,
		ChainGateway:  newGateway("chain", idem, cfg.Upstream, log, m),
		ReviewGateway: newGateway("review", idem, cfg.Upstream, log, m),
	},
		sessionsvc.WithLogger(log),
		sessionsvc.WithMetrics(m),
		sessionsvc.WithAuditPublisher(pub),
		sessionsvc.WithMintSupply(cfg.Upstream.MintSupply),
		sessionsvc.WithXRPL(sessionsvc.DefaultXRPLCurrency, cfg.Upstream.XRPLIssuer),
	)

	operators := jwttoken.NewJWTService(cfg.OperatorJWTKey, operatorIssuer, operatorAudience)

	limiter := ratelimitmw.New(limits, log,
		ratelimitmw.WithMetrics(m),
		ratelimitmw.WithDisabled(cfg.RateLimit.Disabled),
		ratelimitmw.WithLimits(rateLimits(cfg.RateLimit)),
	)

	app.router = httptransport.NewRouter(httptransport.Router{
		Logger:      log,
		Gatherer:    gatherer,
		Checks:      checks,
		Middlewares: []func(http.Handler) http.Handler{metadata.ClientMetadata, limiter.RateLimit},
	},
		registryhandler.New(registry, log, m),
		sessionhandler.New(sessions, operators, log, m),
		certhandler.New(certificates, sessions, log, m),
		rarityhandler.New(rarity, issuance, log, m),
		audithandler.New(pub, operators, log, m),
	)
	return app, nil
}

func openPostgres(ctx context.Context, url string) (*sql.DB, *pgxpool.Pool, error) {
	db, err := postgres.Open(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	pool, err := postgres.OpenPool(ctx, url)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, pool, nil
}

func postgresStores(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, policy raritymodels.Policy) (storageSet, error) {
	ledger := raritystore.NewPostgres(db)
	if err := ledger.Seed(ctx, policy); err != nil {
		return storageSet{}, fmt.Errorf("seed tier ledger: %w", err)
	}
	auditStore := auditpostgres.New(db)
	stores := storageSet{
		ledger:   ledger,
		registry: registrystore.NewPostgres(db),
		records:  certstore.NewPostgres(db),
		sessions: sessionstore.NewPostgres(pool),
		audit:    auditStore,
		outbox:   auditStore,
	}
	stores.tx = newIssuancePostgresTx(db, issuancesvc.Stores{
		Ledger:   stores.ledger,
		Registry: stores.registry,
		Records:  stores.records,
	})
	return stores, nil
}

func memoryStores(policy raritymodels.Policy, log *slog.Logger) storageSet {
	stores := storageSet{
		ledger:   raritystore.NewInMemory(policy),
		registry: registrystore.NewInMemory(),
		records:  certstore.NewInMemory(),
		sessions: sessionstore.NewInMemory(),
		audit:    auditmemory.NewInMemoryStore(),
	}
	stores.tx = issuancesvc.NewMemoryTx(issuancesvc.Stores{
		Ledger:   stores.ledger,
		Registry: stores.registry,
		Records:  stores.records,
	}, log)
	return stores
}

func contentStore(ctx context.Context, cfg config.ObjectStoreConfig, log *slog.Logger) (certsvc.ContentStore, error) {
	if cfg.Endpoint == "" {
		log.Warn("no object store configured, certificates are kept in memory")
		return cas.NewInMemory(), nil
	}
	client, err := cas.NewMinioClient(cfg)
	if err != nil {
		return nil, err
	}
	store, err := cas.NewMinioStore(client, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func loadSigner(seed string, log *slog.Logger) (*pqsign.Signer, error) {
	if seed != "" {
		return pqsign.NewFromSeed(seed)
	}
	log.Warn("SOVEREIGN_SIGNER_SEED not set, generated an ephemeral signing key")
	return pqsign.Generate(rand.Reader)
}

func collaborators(cfg config.UpstreamConfig, log *slog.Logger) (sessionsvc.Chain, sessionsvc.Reviewer) {
	client := &http.Client{}

	var chain sessionsvc.Chain
	if cfg.ChainURL != "" {
		chain = upstream.NewChainClient(cfg.ChainURL, client)
	} else {
		log.Warn("SOVEREIGN_CHAIN_URL not set, using the simulated chain")
		chain = upstream.NewSimulatedChain()
	}

	var reviewer sessionsvc.Reviewer = upstream.ManualReviewer{}
	if cfg.ReviewURL != "" {
		reviewer = upstream.NewReviewClient(cfg.ReviewURL, client)
	}
	return chain, reviewer
}

func newGateway(name string, idem upstream.IdempotencyStore, cfg config.UpstreamConfig, log *slog.Logger, m *metrics.Metrics) *upstream.Gateway {
	breaker := circuit.New(name,
		circuit.WithFailureThreshold(cfg.BreakerFailure),
		circuit.WithCooldown(cfg.BreakerCool),
	)
	return upstream.NewGateway(name, idem,
		upstream.WithCallTimeout(cfg.CallTimeout),
		upstream.WithMaxAttempts(cfg.MaxAttempts),
		upstream.WithBreaker(breaker),
		upstream.WithLogger(log),
		upstream.WithMetrics(m),
	)
}

func rateLimits(cfg config.RateLimitConfig) map[ratelimitmodels.Class]ratelimitmodels.Limit {
	return map[ratelimitmodels.Class]ratelimitmodels.Limit{
		ratelimitmodels.ClassRead:      {Requests: cfg.ReadPerMinute, Window: time.Minute},
		ratelimitmodels.ClassWrite:     {Requests: cfg.WritePerMinute, Window: time.Minute},
		ratelimitmodels.ClassExpensive: {Requests: cfg.ExpensivePerMinute, Window: time.Minute},
	}
}
