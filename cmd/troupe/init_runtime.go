package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"troupe/internal/adapter/backend"
	"troupe/internal/adapter/channel"
	"troupe/internal/adapter/gateway"
	"troupe/internal/adapter/store"
	"troupe/internal/domain"
	"troupe/internal/infra/config"
	"troupe/internal/infra/logger"
	"troupe/internal/usecase/multiagent"
	"troupe/internal/usecase/scheduling"
)

// runtimeComponents holds everything run() starts and stops.
type runtimeComponents struct {
	Backend   domain.ConversationalBackend
	Store     store.Store
	Service   *multiagent.Service
	Scheduler *scheduling.Scheduler
	HTTP      *channel.HTTPServer
	Gateway   *gateway.Server // nil when disabled
}

// Close stops servers and background jobs, then releases the store.
func (rt *runtimeComponents) Close(ctx context.Context) error {
	var errs []error
	if err := rt.HTTP.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if rt.Gateway != nil {
		if err := rt.Gateway.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
	}
	if err := rt.Scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := rt.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

// castSpec converts the configured cast into the orchestrator's spec.
func castSpec(cfg config.CastConfig) multiagent.CastSpec {
	spec := multiagent.CastSpec{
		Characters:          make([]multiagent.CharacterSpec, 0, len(cfg.Characters)),
		UserDispatcher:      identity(cfg.UserDispatcher),
		CharacterDispatcher: identity(cfg.CharacterDispatcher),
		UserToken:           cfg.UserToken,
	}
	for _, c := range cfg.Characters {
		spec.Characters = append(spec.Characters, multiagent.CharacterSpec{
			Identity:            identity(c.AgentConfig),
			SpeakingWillingness: c.Willingness(domain.DefaultSpeakingWillingness),
		})
	}
	return spec
}

func identity(a config.AgentConfig) domain.AgentIdentity {
	return domain.AgentIdentity{ID: a.ID, Name: a.Name, Description: a.Description}
}

// initRuntime builds the backend, token store, orchestrator, scheduler and
// servers from cfg. Nothing is started.
func initRuntime(cfg *config.Config, log *slog.Logger) (*runtimeComponents, error) {
	b, err := backend.New(cfg.Backend, logger.Component(log, "backend"))
	if err != nil {
		return nil, err
	}

	tokens, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	factory, err := multiagent.NewCastFactory(castSpec(cfg.Cast), b, logger.Component(log, "cast"))
	if err != nil {
		tokens.Close()
		return nil, fmt.Errorf("cast: %w", err)
	}
	registry := multiagent.NewRegistry(factory, logger.Component(log, "registry"))
	svc := multiagent.NewService(registry, tokens,
		multiagent.ServiceConfig{MaxAutoTurns: cfg.Cast.MaxAutoTurns},
		logger.Component(log, "orchestrator"))

	sched, err := initScheduler(cfg, svc, tokens, logger.Component(log, "scheduler"))
	if err != nil {
		tokens.Close()
		return nil, err
	}

	rt := &runtimeComponents{
		Backend:   b,
		Store:     tokens,
		Service:   svc,
		Scheduler: sched,
		HTTP:      channel.NewHTTPServer(svc, cfg.HTTP, logger.Component(log, "http")),
	}
	if cfg.Gateway.Enabled {
		rt.Gateway = gateway.NewServer(svc, gateway.NewAuthenticator(cfg.Gateway.Tokens), gateway.ServerConfig{
			Addr:       cfg.Gateway.Addr,
			CookieName: cfg.HTTP.CookieName,
			MaxTurns:   cfg.Cast.MaxAutoTurns,
		}, logger.Component(log, "gateway"))
	}
	return rt, nil
}

// initScheduler registers the session reaper and, when retention is set,
// the token pruner.
func initScheduler(cfg *config.Config, svc *multiagent.Service, tokens store.Store, log *slog.Logger) (*scheduling.Scheduler, error) {
	sched := scheduling.NewScheduler(log)
	sched.RegisterAction(scheduling.ActionSessionReap, scheduling.SessionReapAction(svc, cfg.Sessions.IdleTTL, log))
	sched.RegisterAction(scheduling.ActionTokenPrune, scheduling.TokenPruneAction(tokens, cfg.Store.TokenRetention, log))

	if cfg.Sessions.IdleTTL > 0 && cfg.Sessions.ReapSchedule != "" {
		if err := sched.AddTask(scheduling.Task{
			Name:     "session-reaper",
			Schedule: cfg.Sessions.ReapSchedule,
			Action:   scheduling.ActionSessionReap,
		}); err != nil {
			return nil, fmt.Errorf("schedule session reaper: %w", err)
		}
	}
	if cfg.Store.TokenRetention > 0 && cfg.Store.PruneSchedule != "" {
		if err := sched.AddTask(scheduling.Task{
			Name:     "token-pruner",
			Schedule: cfg.Store.PruneSchedule,
			Action:   scheduling.ActionTokenPrune,
		}); err != nil {
			return nil, fmt.Errorf("schedule token pruner: %w", err)
		}
	}
	return sched, nil
}
