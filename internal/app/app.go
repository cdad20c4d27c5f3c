// Package app wires every component into one running process, grounded in
// the teacher's internal/app/application.go (construction) and
// internal/app/system.Service (the Name/Start/Stop lifecycle contract every
// module implements so a system manager can start and stop them
// deterministically).
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/Rayyan0080/crisisgrid/internal/actuator"
	"github.com/Rayyan0080/crisisgrid/internal/approval"
	"github.com/Rayyan0080/crisisgrid/internal/auditmirror"
	"github.com/Rayyan0080/crisisgrid/internal/autonomy"
	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/cache"
	"github.com/Rayyan0080/crisisgrid/internal/config"
	"github.com/Rayyan0080/crisisgrid/internal/defense"
	"github.com/Rayyan0080/crisisgrid/internal/deployment"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/llm"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/metrics"
	"github.com/Rayyan0080/crisisgrid/internal/proposer"
	"github.com/Rayyan0080/crisisgrid/internal/scheduler"
	"github.com/Rayyan0080/crisisgrid/internal/verifier"
)

// Service is the lifecycle contract every wired component satisfies,
// matching the teacher's internal/app/system.Service.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// closer upgrades a bare io-style Close() error into a Service with a no-op
// Start, for components (stores, the bus) whose lifecycle is "connect once
// up front, close on shutdown" rather than "start a goroutine".
type closer struct {
	name  string
	close func() error
}

func (c closer) Name() string                    { return c.name }
func (c closer) Start(ctx context.Context) error { return nil }
func (c closer) Stop(ctx context.Context) error  { return c.close() }

// starter upgrades a component whose only lifecycle method is Start() error
// (our engine components, grounded in defense/fix Start() conventions) into
// a Service with a no-op Stop — these subscribe to the bus for the life of
// the process and have nothing to release independently of the bus itself.
type starter struct {
	name  string
	start func() error
}

func (s starter) Name() string                    { return s.name }
func (s starter) Start(ctx context.Context) error { return s.start() }
func (s starter) Stop(ctx context.Context) error  { return nil }

// Application holds every constructed component and the ordered list of
// services that Start and Stop run through.
type Application struct {
	cfg *config.Config
	log *logging.Logger

	Bus                  bus.Bus
	EventStore           eventstore.Store
	FixDeployments       deployment.Store
	FixVerifications     deployment.VerificationStore
	DefenseDeployments   deployment.Store
	DefenseVerifications deployment.VerificationStore
	Scheduler            *scheduler.Scheduler
	schedulerStore       scheduler.Store
	Redis                *redis.Client

	LLMChain *llm.Chain
	Proposer *proposer.Proposer
	Autonomy *autonomy.Router
	Approval *approval.Gate
	Actuator *actuator.Actuator
	Verifier *verifier.Verifier

	DefenseDetector *defense.Detector
	DefenseAssessor *defense.Assessor
	DefenseActuator *defense.Actuator
	DefenseVerifier *defense.Verifier

	AuditMirror *auditmirror.Mirror

	httpServer *http.Server

	services []Service
}

// New constructs every component wired per SPEC_FULL.md, stopping short of
// connecting the bus or starting goroutines (that happens in Start).
func New(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Application, error) {
	a := &Application{cfg: cfg, log: log}

	b, err := bus.New(bus.Config{
		Backend:     cfg.BusBackend,
		NATSURL:     cfg.NATSURL,
		SolaceDSN:   cfg.SolaceDSN,
		TopicPrefix: cfg.NATSTopicPrefix,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("app: build bus: %w", err)
	}
	a.Bus = b

	store, err := eventstore.Open(ctx, cfg.EventStoreConnectionString, log)
	if err != nil {
		return nil, fmt.Errorf("app: open eventstore: %w", err)
	}
	a.EventStore = store

	fixDep, err := deployment.OpenStore(ctx, cfg.EventStoreConnectionString, "fix_deployments", log)
	if err != nil {
		return nil, fmt.Errorf("app: open fix_deployments: %w", err)
	}
	a.FixDeployments = fixDep

	fixVerify, err := deployment.OpenVerificationStore(ctx, cfg.EventStoreConnectionString, "fix_verifications", log)
	if err != nil {
		return nil, fmt.Errorf("app: open fix_verifications: %w", err)
	}
	a.FixVerifications = fixVerify

	defenseDep, err := deployment.OpenStore(ctx, cfg.EventStoreConnectionString, "defense_deployments", log)
	if err != nil {
		return nil, fmt.Errorf("app: open defense_deployments: %w", err)
	}
	a.DefenseDeployments = defenseDep

	defenseVerify, err := deployment.OpenVerificationStore(ctx, cfg.EventStoreConnectionString, "defense_verifications", log)
	if err != nil {
		return nil, fmt.Errorf("app: open defense_verifications: %w", err)
	}
	a.DefenseVerifications = defenseVerify

	schedStore, err := scheduler.OpenStore(ctx, cfg.EventStoreConnectionString, log)
	if err != nil {
		return nil, fmt.Errorf("app: open scheduler store: %w", err)
	}
	a.schedulerStore = schedStore
	a.Scheduler = scheduler.New(schedStore, log, "10s")

	a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	dedup := cache.NewDedup(a.Redis, "fix", cfg.DeduplicationWindow)
	spatialDedup := cache.NewSpatialDedup(a.Redis, "defense", cfg.DeduplicationWindow, cfg.SpatialDeduplicationRadiusKM)

	a.LLMChain = buildLLMChain(cfg, log)
	a.Autonomy = autonomy.New(a.Bus, a.EventStore, autonomy.Level(cfg.AutonomyInitialLevel), log)
	a.Proposer = proposer.New(a.Bus, a.EventStore, a.LLMChain, dedup, a.Autonomy, log)
	a.Approval = approval.New(a.Bus, a.EventStore, log)
	a.Actuator = actuator.New(a.Bus, a.EventStore, a.FixDeployments, log)
	a.Verifier = verifier.New(a.Bus, a.EventStore, a.FixVerifications, a.Scheduler, log)

	rules, err := defense.LoadRuleConfig(cfg.DefenseRulesConfigPath)
	if err != nil {
		return nil, fmt.Errorf("app: load defense rule config: %w", err)
	}
	a.DefenseDetector = defense.NewDetector(a.Bus, a.EventStore, spatialDedup, rules, log)
	a.DefenseAssessor = defense.NewAssessor(a.Bus, a.EventStore, log)
	a.DefenseActuator = defense.NewActuator(a.Bus, a.EventStore, a.DefenseDeployments, log)
	a.DefenseVerifier = defense.NewVerifier(a.Bus, a.EventStore, a.DefenseVerifications, a.Scheduler, log)

	a.AuditMirror = auditmirror.NewMirror(a.Bus, log, cfg.AuditMirrorEndpoint)

	router := mux.NewRouter()
	a.Approval.RegisterRoutes(router)
	router.Handle("/metrics", metrics.Handler())
	a.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	a.services = []Service{
		closer{name: "bus", close: a.Bus.Close},
		starter{name: "scheduler", start: func() error { return a.Scheduler.Start(ctx) }},
		starter{name: "proposer", start: a.Proposer.Start},
		starter{name: "autonomy", start: a.Autonomy.Start},
		starter{name: "actuator", start: a.Actuator.Start},
		starter{name: "verifier", start: a.Verifier.Start},
		starter{name: "defense-detector", start: a.DefenseDetector.Start},
		starter{name: "defense-assessor", start: a.DefenseAssessor.Start},
		starter{name: "defense-actuator", start: a.DefenseActuator.Start},
		starter{name: "defense-verifier", start: a.DefenseVerifier.Start},
		starter{name: "auditmirror", start: a.AuditMirror.Start},
		httpService{srv: a.httpServer, log: log},
	}

	return a, nil
}

// buildLLMChain wires the rules provider unconditionally and the two
// external providers only when an API key is configured for them (§4.3: the
// chain degrades to rules-only if nothing else is reachable).
func buildLLMChain(cfg *config.Config, log *logging.Logger) *llm.Chain {
	byName := map[string]llm.Provider{
		llm.ProviderRules: llm.NewRulesProvider(),
	}
	if key, ok := cfg.LLMAPIKeys[llm.ProviderExternalLLMA]; ok && key != "" {
		byName[llm.ProviderExternalLLMA] = llm.NewAnthropicProvider(key, cfg.LLMRequestsPerSecond)
	}
	if key, ok := cfg.LLMAPIKeys[llm.ProviderExternalLLMB]; ok && key != "" {
		if p, err := llm.NewLangchainProvider(key, cfg.LLMLangchainBaseURL, cfg.LLMRequestsPerSecond); err == nil {
			byName[llm.ProviderExternalLLMB] = p
		} else {
			log.WithError(err).Warn("app: langchain provider unavailable, continuing without it")
		}
	}
	return llm.NewChain(log, cfg.LLMProviderOrder, byName)
}

// httpService adapts the approval-gate + metrics HTTP server into a Service.
type httpService struct {
	srv *http.Server
	log *logging.Logger
}

func (h httpService) Name() string { return "http" }

func (h httpService) Start(ctx context.Context) error {
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.WithError(err).Error("app: http server stopped unexpectedly")
		}
	}()
	return nil
}

func (h httpService) Stop(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

// Start connects the bus and starts every service in wiring order. A
// failure mid-list stops everything already started before returning, so a
// partial startup never leaves half the engine subscribed.
func (a *Application) Start(ctx context.Context) error {
	if err := a.Bus.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect bus: %w", err)
	}
	return startAll(ctx, a.services, a.log)
}

// startAll starts services in order, rolling back (stopping, in reverse)
// everything already started as soon as one fails. Factored out of
// Application.Start so the rollback behavior is testable without a real bus
// or Postgres connection.
func startAll(ctx context.Context, services []Service, log *logging.Logger) error {
	for i, svc := range services {
		if err := svc.Start(ctx); err != nil {
			log.WithFields(map[string]interface{}{"service": svc.Name()}).WithError(err).
				Error("app: service failed to start, stopping already-started services")
			for j := i - 1; j >= 0; j-- {
				_ = services[j].Stop(ctx)
			}
			return fmt.Errorf("app: start %s: %w", svc.Name(), err)
		}
		log.WithFields(map[string]interface{}{"service": svc.Name()}).Info("app: service started")
	}
	return nil
}

// stopAll stops services in reverse order, continuing past individual
// failures and returning the first error encountered (if any).
func stopAll(ctx context.Context, services []Service) error {
	var firstErr error
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop stops every service in reverse wiring order, continuing past
// individual failures so one stuck component never blocks the rest of
// shutdown, then releases the stores and the scheduler's own connection.
func (a *Application) Stop(ctx context.Context) error {
	firstErr := stopAll(ctx, a.services)
	a.Scheduler.Stop()
	if err := a.Redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, closeable := range []func() error{
		a.EventStore.Close,
		a.FixDeployments.Close,
		a.FixVerifications.Close,
		a.DefenseDeployments.Close,
		a.DefenseVerifications.Close,
		a.schedulerStore.Close,
	} {
		if err := closeable(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
