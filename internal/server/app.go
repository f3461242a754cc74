// Package server composes the bonanza workers, their infrastructure and the ops API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/analysis"
	"github.com/JakeFAU/bonanza/internal/api"
	"github.com/JakeFAU/bonanza/internal/broker"
	amqpbroker "github.com/JakeFAU/bonanza/internal/broker/amqp"
	memorybroker "github.com/JakeFAU/bonanza/internal/broker/memory"
	pubsubbroker "github.com/JakeFAU/bonanza/internal/broker/pubsub"
	"github.com/JakeFAU/bonanza/internal/clock"
	"github.com/JakeFAU/bonanza/internal/clock/system"
	"github.com/JakeFAU/bonanza/internal/config"
	"github.com/JakeFAU/bonanza/internal/crawl"
	"github.com/JakeFAU/bonanza/internal/crawl/craigslist"
	"github.com/JakeFAU/bonanza/internal/crawl/homepath"
	collyfetcher "github.com/JakeFAU/bonanza/internal/fetcher/colly"
	"github.com/JakeFAU/bonanza/internal/hash/sha256"
	"github.com/JakeFAU/bonanza/internal/id/uuid"
	"github.com/JakeFAU/bonanza/internal/logging"
	"github.com/JakeFAU/bonanza/internal/model"
	"github.com/JakeFAU/bonanza/internal/ratelimit"
	"github.com/JakeFAU/bonanza/internal/storage"
	gcsstorage "github.com/JakeFAU/bonanza/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bonanza/internal/storage/local"
	memorystorage "github.com/JakeFAU/bonanza/internal/storage/memory"
	miniostorage "github.com/JakeFAU/bonanza/internal/storage/minio"
	"github.com/JakeFAU/bonanza/internal/store"
	memorystore "github.com/JakeFAU/bonanza/internal/store/memory"
	pgstore "github.com/JakeFAU/bonanza/internal/store/postgres"
	"github.com/JakeFAU/bonanza/internal/task"
	"github.com/JakeFAU/bonanza/internal/telemetry"
)

// Options narrows what Build starts.
type Options struct {
	// Tasks limits the run to the named tasks. Empty means every configured task.
	Tasks []string
	// Once runs each producer a single time without waiting for its schedule.
	Once bool
	// Workers overrides the per-task worker count when positive.
	Workers int
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	topology   *broker.Topology
	memBroker  *memorybroker.Broker
	memStore   *memorystore.Store
	archive    storage.BlobStore
	gcsClient  *gcs.Client
	supervisor *task.Supervisor
	apiServer  *api.Server

	registry crawl.Registry
	fetcher  *collyfetcher.Fetcher
	clock    clock.Clock

	sessions       []broker.Session
	pools          []*pgstore.Store
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies and one worker per configured
// instance of each selected task.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}
	logger.Info("building application",
		zap.String("broker", cfg.Broker.Backend),
		zap.String("database", cfg.Database.Backend),
		zap.String("storage", cfg.Storage.Backend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.assemble(ctx, opts); err != nil {
		return nil, err
	}
	return app, nil
}

// assemble wires the broker, stores and workers. Anything it opened is
// released again when it fails.
func (a *App) assemble(ctx context.Context, opts Options) (err error) {
	defer func() {
		if err != nil {
			a.release(ctx)
		}
	}()

	cfg := a.cfg
	if a.topology, err = newTopology(cfg.Topology); err != nil {
		return err
	}
	if cfg.Broker.Backend == config.BackendMemory {
		a.memBroker = memorybroker.New(a.topology)
	}
	if cfg.Database.Backend == config.BackendMemory {
		a.memStore = memorystore.New()
	}
	if err := a.setupStorage(ctx); err != nil {
		return err
	}

	a.registry, err = crawl.NewRegistry(craigslist.New(), homepath.New())
	if err != nil {
		return fmt.Errorf("build source registry: %w", err)
	}
	userAgent := cfg.HTTP.UserAgent
	if userAgent == "" {
		userAgent = collyfetcher.BrowserUserAgent
	}
	a.fetcher = collyfetcher.New(collyfetcher.Config{UserAgent: userAgent, Timeout: cfg.HTTP.Timeout()})

	names, err := selectTasks(cfg.Tasks, opts.Tasks)
	if err != nil {
		return err
	}
	a.supervisor = task.NewSupervisor(a.logger.Named("supervisor"))
	for _, name := range names {
		workers, err := a.buildTask(ctx, name, cfg.Tasks[name], opts)
		if err != nil {
			return fmt.Errorf("build task %s: %w", name, err)
		}
		a.supervisor.Add(workers...)
	}

	if cfg.Server.Enabled {
		a.apiServer = api.NewServer(a.supervisor, a.logger)
	}
	return nil
}

// Supervisor exposes the worker supervisor.
func (a *App) Supervisor() *task.Supervisor {
	return a.supervisor
}

// Run starts every worker and the ops server, and blocks until the workers
// exit or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	a.logger.Info("application started")
	err := a.supervisor.Run(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Error("server shutdown error", zap.Error(serr))
		}
	}
	if cerr := a.Close(shutdownCtx); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("run workers: %w", err)
	}
	return nil
}

// Close releases broker sessions, pools and telemetry.
func (a *App) Close(ctx context.Context) error {
	a.release(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) release(ctx context.Context) {
	a.closeInfrastructure()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
}

func (a *App) closeInfrastructure() {
	for _, s := range a.sessions {
		if err := s.Close(); err != nil {
			a.logger.Warn("broker session close failed", zap.Error(err))
		}
	}
	a.sessions = nil
	for _, p := range a.pools {
		p.Close()
	}
	a.pools = nil
	if a.memStore != nil {
		a.memStore.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
}

func newTopology(cfg config.TopologyConfig) (*broker.Topology, error) {
	queues := make([]broker.Queue, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		bindings := make([]broker.Binding, 0, len(q.Bindings))
		for _, b := range q.Bindings {
			bindings = append(bindings, broker.Binding{Exchange: b.Exchange, Pattern: b.Key})
		}
		queues = append(queues, broker.Queue{Name: q.Name, Bindings: bindings})
	}
	topo, err := broker.NewTopology(cfg.Exchanges, queues)
	if err != nil {
		return nil, fmt.Errorf("build topology: %w", err)
	}
	return topo, nil
}

// selectTasks returns the task names to run in a stable order.
func selectTasks(tasks map[string]config.TaskConfig, only []string) ([]string, error) {
	if len(only) == 0 {
		names := make([]string, 0, len(tasks))
		for name := range tasks {
			names = append(names, name)
		}
		slices.Sort(names)
		return names, nil
	}
	names := slices.Clone(only)
	slices.Sort(names)
	names = slices.Compact(names)
	for _, name := range names {
		if _, ok := tasks[name]; !ok {
			return nil, fmt.Errorf("unknown task %q", name)
		}
	}
	return names, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	cfg := a.cfg.Storage
	var blobs storage.BlobStore
	switch cfg.Backend {
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		if blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket}); err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.BackendMinio:
		client, err := miniostorage.NewClient(miniostorage.Config{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			UseSSL:    cfg.Minio.UseSSL,
			Bucket:    cfg.Bucket,
		})
		if err != nil {
			return fmt.Errorf("minio client init failed: %w", err)
		}
		if blobs, err = miniostorage.New(client, cfg.Bucket); err != nil {
			return fmt.Errorf("minio blob store init failed: %w", err)
		}
	case config.BackendLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
	case config.BackendMemory:
		blobs = memorystorage.NewBlobStore()
	default:
		a.logger.Info("raw response archive disabled")
		return nil
	}
	a.archive = storage.Prefixed{Store: blobs, Prefix: cfg.Prefix}
	a.logger.Info("raw response archive enabled",
		zap.String("backend", cfg.Backend),
		zap.String("bucket", cfg.Bucket),
		zap.String("prefix", cfg.Prefix),
	)
	return nil
}

func (a *App) newSession(ctx context.Context, tc config.TaskConfig) (broker.Session, error) {
	var (
		s   broker.Session
		err error
	)
	switch a.cfg.Broker.Backend {
	case config.BackendAMQP:
		url := tc.BrokerURL
		if url == "" {
			url = a.cfg.Broker.URL
		}
		s, err = amqpbroker.Dial(url, a.topology)
	case config.BackendPubSub:
		s, err = pubsubbroker.New(ctx, a.cfg.Broker.ProjectID, a.topology, a.logger.Named("pubsub"))
	default:
		s = a.memBroker.NewSession()
	}
	if err != nil {
		return nil, fmt.Errorf("open broker session: %w", err)
	}
	a.sessions = append(a.sessions, s)
	return s, nil
}

func (a *App) newStore(ctx context.Context) (store.Store, error) {
	if a.memStore != nil {
		return a.memStore, nil
	}
	pool, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        1,
		MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.pools = append(a.pools, pool)
	return pool, nil
}

func (a *App) buildTask(ctx context.Context, name string, tc config.TaskConfig, opts Options) ([]*task.Worker, error) {
	count := tc.Workers
	if opts.Workers > 0 {
		count = opts.Workers
	}
	var bucket *ratelimit.Bucket
	if tc.Type == config.TypeSearch {
		bucket = ratelimit.New(ratelimit.Config{
			Name:      name,
			PerSecond: tc.Rate.PerSecond,
			Capacity:  tc.Rate.Capacity,
		}, a.clock)
	}

	var hookOpts []task.Option
	if a.cfg.Debug {
		hookOpts = append(hookOpts, task.WithDebugHook(task.DumpGoroutines))
	}

	workers := make([]*task.Worker, 0, count)
	for i := range count {
		workerName := fmt.Sprintf("%s-%d", name, i)
		log := logging.ForWorker(a.logger, name, workerName)
		body, err := a.buildBody(ctx, name, tc, bucket, opts, log)
		if err != nil {
			return nil, err
		}
		workers = append(workers, task.NewWorker(name, workerName, body, log, hookOpts...))
	}
	a.logger.Info("task configured", zap.String("task", name), zap.String("type", tc.Type), zap.Int("workers", count))
	return workers, nil
}

func (a *App) buildBody(
	ctx context.Context,
	name string,
	tc config.TaskConfig,
	bucket *ratelimit.Bucket,
	opts Options,
	log *zap.Logger,
) (task.Body, error) {
	session, err := a.newSession(ctx, tc)
	if err != nil {
		return nil, err
	}
	consume := func(h task.Handler) task.Body {
		return &task.Consumer{
			Session:     session,
			Queues:      tc.Queues,
			Handler:     h,
			PollTimeout: a.cfg.Broker.PollTimeout(),
			Logger:      log,
		}
	}
	periodic := func(p task.Producer) (task.Body, error) {
		schedule, err := task.NewSchedule(tc.Schedule, a.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("build schedule: %w", err)
		}
		return &task.Periodic{Schedule: schedule, Clock: a.clock, Producer: p, Once: opts.Once, Logger: log}, nil
	}

	switch tc.Type {
	case config.TypeProducer:
		src, err := a.registry.Lookup(model.Source(tc.Source))
		if err != nil {
			return nil, err
		}
		return periodic(&crawl.Producer{
			Source:      src,
			Session:     session,
			Exchange:    tc.Exchange,
			RoutingKey:  tc.RoutingKey,
			TargetsFile: tc.TargetsFile,
			Logger:      log,
		})
	case config.TypeSearch:
		return consume(&crawl.SearchWorker{
			Task:             name,
			Sources:          a.registry,
			Session:          session,
			Fetcher:          a.fetcher,
			Bucket:           bucket,
			Tokens:           uuid.New(),
			Clock:            a.clock,
			RequestsExchange: tc.RequestsExchange,
			ListingsExchange: tc.ListingsExchange,
			Threshold:        tc.GeoclusterThreshold,
			Archive:          a.archive,
			Hasher:           sha256.New(),
			Logger:           log,
		}), nil
	case config.TypeIngest:
		st, err := a.newStore(ctx)
		if err != nil {
			return nil, err
		}
		return consume(&crawl.IngestWorker{
			Task:    name,
			Sources: a.registry,
			Store:   st,
			Hasher:  sha256.New(),
			Clock:   a.clock,
			Logger:  log,
		}), nil
	case config.TypeBlockProducer:
		st, err := a.newStore(ctx)
		if err != nil {
			return nil, err
		}
		return periodic(&analysis.BlockProducer{
			Store:        st,
			Session:      session,
			Exchange:     tc.Exchange,
			ListingTypes: listingTypes(tc.Sources),
			LookbackDays: tc.LookbackDays,
			PageSize:     tc.PageSize,
			Clock:        a.clock,
			Logger:       log,
		})
	case config.TypeBlockAnalysis:
		st, err := a.newStore(ctx)
		if err != nil {
			return nil, err
		}
		w, err := blockAnalysisWorker(name, tc, st, log)
		if err != nil {
			return nil, err
		}
		return consume(w), nil
	default:
		return nil, fmt.Errorf("unknown task type %q", tc.Type)
	}
}

func blockAnalysisWorker(name string, tc config.TaskConfig, st store.AnalyticsStore, log *zap.Logger) (*analysis.BlockAnalysisWorker, error) {
	dim, err := model.DefaultTaxonomy().Dimension(tc.Dimension)
	if err != nil {
		return nil, err
	}
	concept, err := model.ConceptBySlug(tc.Concept)
	if err != nil {
		return nil, err
	}
	feature, err := model.FeatureBySlug(tc.Feature)
	if err != nil {
		return nil, err
	}
	return &analysis.BlockAnalysisWorker{
		Task:         name,
		Store:        st,
		Dimension:    dim,
		Concept:      concept,
		Feature:      feature,
		Durations:    tc.Durations,
		ListingTypes: listingTypes(tc.Sources),
		OnError:      tc.OnError,
		Logger:       log,
	}, nil
}

func listingTypes(sources map[string][]string) analysis.ListingTypes {
	out := make(analysis.ListingTypes, len(sources))
	for listingType, names := range sources {
		for _, n := range names {
			out[listingType] = append(out[listingType], model.Source(n))
		}
	}
	return out
}
