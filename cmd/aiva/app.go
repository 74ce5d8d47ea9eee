package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/adapter/model"
	"github.com/xiaot623/aiva/internal/capability"
	"github.com/xiaot623/aiva/internal/config"
	"github.com/xiaot623/aiva/internal/hub"
	"github.com/xiaot623/aiva/internal/metrics"
	"github.com/xiaot623/aiva/internal/policy"
	"github.com/xiaot623/aiva/internal/repository"
	"github.com/xiaot623/aiva/internal/router"
	"github.com/xiaot623/aiva/internal/service"
	"github.com/xiaot623/aiva/internal/session"
	"github.com/xiaot623/aiva/internal/tools"
	"github.com/xiaot623/aiva/internal/tools/builtin"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    repository.Store
	metrics  *metrics.Metrics
	hub      *hub.Hub
	tools    *tools.Registry
	backends *model.Registry
	service  *service.Service
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, store: store, metrics: metrics.New(), hub: hub.New(log.Named("hub"))}
	if err := a.wire(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	grants := capability.NewGrants(a.store)
	if err := grants.Load(ctx); err != nil {
		return err
	}
	if err := grants.Seed(ctx, cfg.Grants); err != nil {
		return fmt.Errorf("failed to seed grants: %w", err)
	}

	engine, err := newPolicyEngine(ctx, cfg.Policy)
	if err != nil {
		return err
	}

	// Tool notifications go to the conversation's WebSocket connections.
	a.tools, err = newToolRegistry(cfg.Tools, a.hub, a.store)
	if err != nil {
		return err
	}
	gate := capability.NewGate(a.tools, grants, engine, a.store, capability.Options{
		BlockedTools:   cfg.Policy.BlockedTools,
		DefaultTimeout: cfg.Tools.DefaultTimeout,
		Metrics:        a.metrics,
		Logger:         a.log.Named("gate"),
	})

	a.backends, err = model.NewRegistryFromConfig(ctx, cfg, a.log.Named("model"))
	if err != nil {
		return err
	}
	interp, err := newInterpreter(cfg, a.backends, a.metrics, a.log.Named("model"))
	if err != nil {
		return err
	}

	contextPolicy, err := session.ParsePolicy(cfg.Window.Policy)
	if err != nil {
		return err
	}
	sessions := session.NewManager(a.store, session.NewCounter(cfg.Window.Encoding, a.log), contextPolicy)
	budget := session.Budget{MaxMessages: cfg.Window.MaxMessages, MaxTokens: cfg.Window.MaxTokens}

	rt := router.New(sessions, gate, interp, router.Config{
		SystemPrompt:      cfg.Model.SystemPrompt,
		MaxToolIterations: cfg.Turn.MaxToolIterations,
		Budget:            budget,
	}, a.log.Named("router"))

	a.service = service.New(service.Deps{
		Store:    a.store,
		Sessions: sessions,
		Router:   rt,
		Backends: a.backends,
		Tools:    a.tools,
		Grants:   grants,
		Budget:   budget,
	}, service.Options{
		TurnTimeout:        cfg.Turn.Timeout,
		MaxConcurrentTurns: cfg.Turn.MaxConcurrentTurns,
		IdleRetention:      cfg.Storage.IdleRetention,
		JanitorInterval:    cfg.Storage.JanitorInterval,
		Metrics:            a.metrics,
		Logger:             a.log.Named("service"),
	})
	return nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func openStore(cfg config.StorageConfig) (repository.Store, error) {
	switch cfg.Driver {
	case "memory":
		return repository.NewMemoryStore(cfg.MaxConversations), nil
	case "sqlite", "":
		store, err := repository.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func newPolicyEngine(ctx context.Context, cfg config.PolicyConfig) (*policy.Engine, error) {
	if cfg.File != "" {
		return policy.NewEngineFromFile(ctx, cfg.File)
	}
	return policy.NewEngine(ctx, "")
}

// newToolRegistry registers the built-in tools and seals the registry.
func newToolRegistry(cfg config.ToolsConfig, notifier builtin.Notifier, memory builtin.MemoryStore) (*tools.Registry, error) {
	opts, err := builtin.OptionsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure tools: %w", err)
	}
	opts.Notifier = notifier
	opts.Memory = memory

	reg := tools.NewRegistry()
	if err := builtin.Register(reg, opts); err != nil {
		return nil, err
	}
	reg.Seal()
	return reg, nil
}

// newInterpreter asks the active backend, behind the configured rules when
// there are any.
func newInterpreter(cfg *config.Config, backends *model.Registry, m *metrics.Metrics, log *zap.Logger) (router.Interpreter, error) {
	temperature := cfg.Model.Temperature
	var interp router.Interpreter = router.NewModelInterpreter(backends, router.ModelOptions{
		Params: model.Params{
			Temperature: &temperature,
			MaxTokens:   cfg.Model.MaxTokens,
		},
		RetryBackoff:  cfg.Model.RetryBackoff,
		RetryMaxDelay: cfg.Model.RetryMaxDelay,
		Observe:       m.ModelCall,
		Logger:        log,
	})
	if len(cfg.Rules) == 0 {
		return interp, nil
	}
	rules, err := router.CompileRules(cfg.Rules)
	if err != nil {
		return nil, errors.Join(errors.New("invalid rules"), err)
	}
	return router.NewRuleInterpreter(rules, interp), nil
}
