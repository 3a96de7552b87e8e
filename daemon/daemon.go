// ABOUTME: Composition root: builds every component from config and runs the gateway until shutdown.
// ABOUTME: Owns the janitor cron, policy hot reload, MCP connections, and graceful teardown order.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pandora-research/pandora/config"
	"github.com/pandora-research/pandora/gateway"
	"github.com/pandora-research/pandora/index"
	"github.com/pandora-research/pandora/intervention"
	"github.com/pandora-research/pandora/jobs"
	"github.com/pandora-research/pandora/llm"
	"github.com/pandora-research/pandora/metrics"
	"github.com/pandora-research/pandora/pipeline"
	"github.com/pandora-research/pandora/policy"
	"github.com/pandora-research/pandora/research"
	"github.com/pandora-research/pandora/tools"
	"github.com/pandora-research/pandora/trace"
	"github.com/pandora-research/pandora/turndoc"
)

// Daemon is a fully wired pandora process.
type Daemon struct {
	cfg config.Config

	hub     *trace.Hub
	store   *turndoc.Store
	ix      *index.Index
	indexer *index.Indexer
	jobs    *jobs.Registry
	broker  *intervention.Broker
	perms   *tools.Permissions
	engine  *policy.Engine
	sched   *pipeline.Scheduler
	gateway *gateway.Server
	llm     *llm.Client

	cron        *cron.Cron
	stopWatch   func()
	connections []*tools.MCPConnection
	registry    *tools.Registry
}

// New builds a daemon from the configuration. Construction order follows the
// dependency graph; nothing starts serving until Run.
func New(cfg config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg}

	rec := policy.Record{
		Mode:              policy.Mode(cfg.Policy.Mode),
		AllowWrites:       cfg.Policy.AllowWrites,
		RequireConfirm:    cfg.Policy.RequireConfirm,
		AllowedWritePaths: cfg.Policy.AllowedWritePaths,
	}
	if cfg.Policy.File != "" {
		loaded, err := policy.LoadRecord(cfg.Policy.File)
		if err != nil {
			return nil, fmt.Errorf("initial policy: %w", err)
		}
		rec = loaded
	}
	d.engine = policy.NewEngine(rec)

	store, err := turndoc.NewStore(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("turn store: %w", err)
	}
	d.store = store

	ix, err := index.Open(cfg.IndexPath(), cfg.Storage.EmbeddingDims)
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	ix.SetEmbedder(index.NewHashEmbedder(cfg.Storage.EmbeddingDims))
	d.ix = ix
	d.indexer = index.NewIndexer(ix)

	d.hub = trace.NewHub(trace.WithTTL(cfg.TraceTTL()))
	d.jobs = jobs.NewRegistry(d.hub)
	d.broker = intervention.NewBroker(d.hub, intervention.WithTTL(cfg.InterventionTTL()))
	d.perms = tools.NewPermissions(cfg.PermissionTTL())

	d.registry = tools.NewRegistry()
	if err := tools.RegisterBuiltins(d.registry); err != nil {
		return nil, fmt.Errorf("builtin tools: %w", err)
	}
	router := tools.NewRouter(d.registry, d.engine, d.perms,
		tools.WithDefaultTimeout(time.Duration(cfg.Tools.DefaultTimeoutSeconds)*time.Second))

	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	provider, err := llm.NewProvider(cfg.LLM.Provider, apiKey, cfg.LLM.BaseURL,
		time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	d.llm = llm.NewClient(provider,
		llm.WithConcurrency(cfg.LLM.Concurrency),
		llm.WithDefaultModel(cfg.LLM.Model))

	engine := research.NewOrchestrator(
		research.NewHTTPSearcher(cfg.Research.SearchBaseURL),
		research.NewHTTPFetcher(cfg.Research.BrowserPoolSize),
		d.broker,
		d.hub,
		research.WithMaxCandidates(cfg.Research.MaxCandidates),
		research.WithQualityTarget(cfg.Research.QualityTarget),
		research.WithParallelism(cfg.Research.BrowserPoolSize),
	)

	mtr := metrics.New(d.hub, d.jobs, d.broker)

	d.sched = pipeline.NewScheduler(d.hub, d.store, d.llm,
		pipeline.WithRouter(router),
		pipeline.WithResearchEngine(engine),
		pipeline.WithBroker(d.broker),
		pipeline.WithIndexes(d.ix, d.indexer),
		pipeline.WithMaxConcurrentTurns(cfg.Pipeline.MaxConcurrentTurns),
		pipeline.WithPhaseBudget(func(p pipeline.Phase) time.Duration {
			return cfg.PhaseTimeout(string(p), p.DefaultBudget())
		}),
		pipeline.WithTranscriptCapture(true),
		pipeline.WithObserver(mtr),
	)

	gwOpts := []gateway.ServerOption{
		gateway.WithAddr(cfg.Server.Addr),
		gateway.WithSoftDeadline(cfg.SyncDeadline()),
		gateway.WithPermissions(d.perms),
		gateway.WithPolicyEngine(d.engine),
		gateway.WithTurnStore(d.store),
	}
	if cfg.Server.MetricsEnabled {
		gwOpts = append(gwOpts, gateway.WithMetricsHandler(mtr.Handler()))
	}
	d.gateway = gateway.NewServer(d.hub, d.jobs, d.broker, d.sched, gwOpts...)

	return d, nil
}

// Handler exposes the gateway router, mostly for tests.
func (d *Daemon) Handler() http.Handler { return d.gateway }

// Run connects MCP servers, starts the janitor and policy watcher, then
// serves HTTP until the context is cancelled. Teardown drains the async
// indexer last so in-flight turn writes still land.
func (d *Daemon) Run(ctx context.Context) error {
	for _, spec := range d.cfg.Tools.MCPServers {
		conn, err := tools.ConnectMCPServer(ctx, d.registry, tools.MCPServerSpec{
			Name:    spec.Name,
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
		})
		if err != nil {
			return fmt.Errorf("mcp server %s: %w", spec.Name, err)
		}
		log.Printf("mcp server %s contributed tools: %v", spec.Name, conn.Tools())
		d.connections = append(d.connections, conn)
	}

	if d.cfg.Policy.File != "" {
		stop, err := policy.Watch(d.engine, d.cfg.Policy.File)
		if err != nil {
			return fmt.Errorf("policy watch: %w", err)
		}
		d.stopWatch = stop
	}

	d.startJanitor()

	httpServer := &http.Server{
		Addr:    d.cfg.Server.Addr,
		Handler: d.gateway,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("pandora gateway listening on %s", d.cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		d.teardown()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	d.teardown()
	return nil
}

// jobRetention is how long a finished job stays queryable after its trace
// has left the hub.
const jobRetention = time.Hour

// startJanitor schedules the periodic sweeps that keep in-memory registries
// bounded: delivered traces, finished jobs, and expired human gates.
func (d *Daemon) startJanitor() {
	d.cron = cron.New()

	interval := time.Duration(d.cfg.Pipeline.JobSweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	spec := fmt.Sprintf("@every %s", interval)

	_, err := d.cron.AddFunc(spec, func() {
		if n := d.hub.Sweep(); n > 0 {
			log.Printf("janitor: retired %d traces", n)
		}
		if n := d.jobs.Sweep(jobRetention); n > 0 {
			log.Printf("janitor: dropped %d finished jobs", n)
		}
		if n := d.broker.ExpirePending(); n > 0 {
			log.Printf("janitor: expired %d interventions", n)
		}
		d.broker.SweepSettled(d.cfg.InterventionTTL())
		if n := d.perms.ExpirePending(); n > 0 {
			log.Printf("janitor: expired %d permission requests", n)
		}
		d.perms.SweepSettled(d.cfg.PermissionTTL())
	})
	if err != nil {
		log.Printf("janitor schedule rejected: %v", err)
		return
	}
	d.cron.Start()
}

func (d *Daemon) teardown() {
	if d.cron != nil {
		d.cron.Stop()
	}
	if d.stopWatch != nil {
		d.stopWatch()
	}
	for _, conn := range d.connections {
		if err := conn.Close(d.registry); err != nil {
			log.Printf("closing mcp connection: %v", err)
		}
	}
	if d.llm != nil {
		if err := d.llm.Close(); err != nil {
			log.Printf("closing llm client: %v", err)
		}
	}
	d.indexer.Close()
	if err := d.ix.Close(); err != nil {
		log.Printf("closing index: %v", err)
	}
}
