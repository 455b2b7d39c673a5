package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/heliosfhir/fhirstore/internal/backend/cache"
	"github.com/heliosfhir/fhirstore/internal/backend/mongo"
	"github.com/heliosfhir/fhirstore/internal/backend/postgres"
	"github.com/heliosfhir/fhirstore/internal/bundle"
	"github.com/heliosfhir/fhirstore/internal/composite/cost"
	"github.com/heliosfhir/fhirstore/internal/composite/executor"
	"github.com/heliosfhir/fhirstore/internal/composite/router"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/health"
	"github.com/heliosfhir/fhirstore/internal/mlog"
	"github.com/heliosfhir/fhirstore/internal/searchparam"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/sync"
	"github.com/heliosfhir/fhirstore/internal/tenant"
	amqp "github.com/rabbitmq/amqp091-go"
)

// storedSearchParamPageSize bounds each page of the stored-SearchParameter
// scan New runs at startup.
const storedSearchParamPageSize = 200

const (
	primaryID = "postgres-primary"
	searchID  = "mongo-search"
	cacheID   = "redis-cache"
)

// Service bundles every wired component of a composed engine instance.
type Service struct {
	Config Config
	Logger mlog.Logger

	Backends map[string]storage.Backend

	Registry  *searchparam.Registry
	Extractor *searchparam.Extractor

	RouterConfig *router.Config
	Executor     *executor.Executor
	Bundle       *bundle.Executor

	Sync   *sync.Manager
	AMQP   *AMQPResources
	Health *health.Monitor
}

// AMQPResources holds the connection/channel/transport trio so callers can
// close them in reverse order on shutdown.
type AMQPResources struct {
	Conn      *amqp.Connection
	Channel   *amqp.Channel
	Transport *sync.AMQPTransport
}

// Close tears down the AMQP connection and channel, ignoring close errors
// on an already-failed connection.
func (a *AMQPResources) Close() {
	if a == nil {
		return
	}

	if a.Channel != nil {
		_ = a.Channel.Close()
	}

	if a.Conn != nil {
		_ = a.Conn.Close()
	}
}

// New wires backends, the search parameter registry, the composite router
// and executor, the sync manager and the health monitor from cfg. AMQP
// connectivity is best-effort: a dial failure is logged and the service
// still starts, since the asynchronous secondaries fall back to the
// in-process worker queue.
func New(ctx context.Context, cfg Config, logger mlog.Logger) (*Service, error) {
	registry := searchparam.New()

	embedded, err := searchparam.LoadEmbedded()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load embedded search parameters: %w", err)
	}

	registry.LoadBulk(embedded)

	extractor := searchparam.NewExtractor(registry, nil)

	pgConn := &postgres.Connection{DSN: cfg.PostgresDSN}
	if err := pgConn.Connect(); err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}

	primary := postgres.New(primaryID, pgConn, extractor)

	if n, err := loadStoredSearchParams(ctx, primary, registry); err != nil {
		logger.Warnf("bootstrap: tenant-stored search parameters not loaded: %v", err)
	} else if n > 0 {
		logger.Infof("bootstrap: loaded %d tenant-stored search parameter(s)", n)
	}

	if cfg.SearchParamConfigPath != "" {
		n, err := loadConfigSearchParams(registry, cfg.SearchParamConfigPath)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load search parameter config %s: %w", cfg.SearchParamConfigPath, err)
		}

		logger.Infof("bootstrap: loaded %d operator-configured search parameter(s) from %s", n, cfg.SearchParamConfigPath)
	}

	mongoConn := &mongo.Connection{URI: cfg.MongoURI, Database: cfg.MongoDatabase}
	if err := mongoConn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: connect mongo: %w", err)
	}

	search := mongo.New(searchID, mongoConn, extractor)

	cacheConn := &cache.Connection{URI: cfg.CacheURI}
	if err := cacheConn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: connect cache: %w", err)
	}

	cacheBackend := cache.New(cacheID, cacheConn, cfg.CacheTTL)

	backends := map[string]storage.Backend{
		primaryID: primary,
		searchID:  search,
		cacheID:   cacheBackend,
	}

	routerCfg := &router.Config{
		PrimaryBackendID: primaryID,
		Backends: []router.BackendEntry{
			{ID: primaryID, Role: router.RolePrimary, Kind: cost.KindRelational, Priority: 0, Enabled: true, Capabilities: primary.Capabilities()},
			{ID: searchID, Role: router.RoleSearch, Kind: cost.KindDocument, Priority: 0, Enabled: true, Capabilities: search.Capabilities()},
			{ID: cacheID, Role: router.RoleCache, Kind: cost.KindCache, Priority: 0, Enabled: true, Capabilities: cacheBackend.Capabilities()},
		},
	}

	exec := executor.New(backends)
	bundleExec := bundle.New(primary)

	secondaries := map[string]storage.Backend{
		searchID: search,
		cacheID:  cacheBackend,
	}

	syncManager := sync.NewManager(sync.Config{
		Mode:          parseSyncMode(cfg.SyncMode),
		SyncForSearch: cfg.SyncForSearch,
	}, secondaries)

	amqpResources := dialAMQP(cfg, logger)

	monitorTC := tenant.Context{
		TenantID: tenant.System,
		Permissions: []tenant.Permission{
			tenant.AllResourceTypes(tenant.OpRead),
			tenant.AllResourceTypes(tenant.OpSearch),
		},
	}

	monitor := health.NewMonitor(health.Config{
		Interval:         cfg.HealthInterval,
		Timeout:          cfg.HealthTimeout,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}, backends, monitorTC)

	return &Service{
		Config:       cfg,
		Logger:       logger,
		Backends:     backends,
		Registry:     registry,
		Extractor:    extractor,
		RouterConfig: routerCfg,
		Executor:     exec,
		Bundle:       bundleExec,
		Sync:         syncManager,
		AMQP:         amqpResources,
		Health:       monitor,
	}, nil
}

// loadStoredSearchParams completes the registry's three-source bootstrap by
// scanning primary for SearchParameter resources stored under the system
// tenant and registering them as SourceStored, behind the embedded bundle
// that already occupies LoadBulk's first-writer-wins precedence.
func loadStoredSearchParams(ctx context.Context, primary storage.Backend, registry *searchparam.Registry) (int, error) {
	tc := tenant.Context{
		TenantID:    tenant.System,
		Permissions: []tenant.Permission{tenant.AllResourceTypes(tenant.OpSearch)},
	}

	var (
		resources []fhirmodel.StoredResource
		cursor    *searchquery.Cursor
	)

	for {
		page, err := primary.Search(ctx, tc, searchquery.Query{
			ResourceType: "SearchParameter",
			Count:        storedSearchParamPageSize,
			Cursor:       cursor,
		})
		if err != nil {
			return 0, fmt.Errorf("search stored SearchParameter resources: %w", err)
		}

		resources = append(resources, page.Resources...)

		if page.Next == nil {
			break
		}

		cursor = page.Next
	}

	if len(resources) == 0 {
		return 0, nil
	}

	defs, err := searchparam.FromStoredResources(resources)
	if err != nil {
		return 0, fmt.Errorf("decode stored SearchParameter resources: %w", err)
	}

	return registry.LoadBulk(defs), nil
}

// loadConfigSearchParams reads an operator-provided JSON config file of
// SearchParameter-shaped definitions and registers them as SourceConfig,
// the last and lowest-priority leg of the three-source bootstrap.
func loadConfigSearchParams(registry *searchparam.Registry, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	defs, err := searchparam.LoadJSON(f, searchparam.SourceConfig)
	if err != nil {
		return 0, err
	}

	return registry.LoadBulk(defs), nil
}

func parseSyncMode(raw string) sync.Mode {
	switch strings.ToLower(raw) {
	case "sync", "synchronous":
		return sync.ModeSynchronous
	case "async", "asynchronous":
		return sync.ModeAsynchronous
	default:
		return sync.ModeHybrid
	}
}

// dialAMQP attempts to connect to the configured broker and declare the
// sync exchange. A failure only disables the out-of-process transport;
// the in-process worker queue still propagates to every secondary.
func dialAMQP(cfg Config, logger mlog.Logger) *AMQPResources {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Warnf("bootstrap: amqp dial failed, out-of-process sync disabled: %v", err)

		return nil
	}

	channel, err := conn.Channel()
	if err != nil {
		logger.Warnf("bootstrap: amqp channel failed, out-of-process sync disabled: %v", err)
		_ = conn.Close()

		return nil
	}

	transport, err := sync.NewAMQPTransport(channel, cfg.AMQPExchange)
	if err != nil {
		logger.Warnf("bootstrap: amqp exchange declare failed, out-of-process sync disabled: %v", err)
		_ = channel.Close()
		_ = conn.Close()

		return nil
	}

	return &AMQPResources{Conn: conn, Channel: channel, Transport: transport}
}

// Start launches the health monitor's background probe loops.
func (s *Service) Start() {
	s.Health.Start()
}

// Shutdown stops background workers and releases AMQP resources,
// bounding itself to timeout for in-flight sync drain.
func (s *Service) Shutdown(timeout time.Duration) {
	s.Health.Stop()
	s.Sync.WaitForSync(context.Background(), timeout)
	s.Sync.Close()
	s.AMQP.Close()
}
