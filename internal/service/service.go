// Package service is the relay supervisor: it owns startup order, the
// maintenance schedule, and ordered shutdown.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"

	"github.com/pilotlynx/pilotlynx/internal/channels"
	"github.com/pilotlynx/pilotlynx/internal/channels/slack"
	"github.com/pilotlynx/pilotlynx/internal/channels/telegram"
	"github.com/pilotlynx/pilotlynx/internal/config"
	"github.com/pilotlynx/pilotlynx/internal/executor"
	"github.com/pilotlynx/pilotlynx/internal/notify"
	"github.com/pilotlynx/pilotlynx/internal/pool"
	"github.com/pilotlynx/pilotlynx/internal/relay"
	"github.com/pilotlynx/pilotlynx/internal/store"
)

// Retention windows for the hourly cleanup.
const (
	pendingHotHours  = 24
	messageKeepDays  = 30
	runRetentionDays = 90
)

// maintenanceCron fires the cleanup at the top of every hour.
const maintenanceCron = "0 * * * *"

// budgetAlertRatio is the spend fraction that triggers a budget alert.
const budgetAlertRatio = 0.8

// shutdownGrace bounds the ordered shutdown.
const shutdownGrace = 30 * time.Second

// Service is the assembled relay.
type Service struct {
	cfg      *config.RelayConfig
	root     string
	store    *store.Store
	pool     *pool.Pool
	manager  *channels.Manager
	router   *relay.Router
	notifier *notify.Notifier
	health   *healthServer
}

// Run builds and runs the relay until SIGINT or SIGTERM. Returns nil on a
// clean shutdown, an error when startup fails.
func Run(root string) error {
	cfg, err := config.Load(root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env, err := config.LoadEnv(root)
	if err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	pidPath := config.PidPath(root)
	if err := AcquirePidFile(pidPath); err != nil {
		return err
	}
	defer ReleasePidFile(pidPath)

	st, err := store.Open(config.StorePath(root))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	exec, err := executor.New(cfg.Agent)
	if err != nil {
		return err
	}

	p := pool.New(cfg.Agent.MaxConcurrent, cfg.Limits.ProjectQueueDepth)
	manager := channels.NewManager()

	svc := &Service{
		cfg:     cfg,
		root:    root,
		store:   st,
		pool:    p,
		manager: manager,
		router:  relay.NewRouter(cfg, root, st, p, manager, exec),
		health:  newHealthServer(),
	}
	svc.notifier = notify.New(cfg.Notifications, manager, st)

	if err := svc.buildAdapters(env); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.StartAll(ctx); err != nil {
		return err
	}

	svc.replayPending(ctx)
	svc.health.start()

	maintCtx, cancelMaint := context.WithCancel(context.Background())
	go svc.maintenanceLoop(maintCtx)

	slog.Info("relay started", "root", root, "platforms", manager.Platforms(), "pid", os.Getpid())

	<-ctx.Done()
	slog.Info("shutdown signal received")

	cancelMaint()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	svc.health.stop(shutdownCtx)
	if err := p.Shutdown(shutdownCtx); err != nil {
		slog.Warn("pool shutdown incomplete", "error", err)
	}
	manager.StopAll(shutdownCtx)

	slog.Info("relay stopped")
	return nil
}

// buildAdapters registers each enabled platform. An enabled platform with
// missing tokens is a startup error, not a skip; silently running without a
// configured surface hides operator mistakes.
func (s *Service) buildAdapters(env map[string]string) error {
	if pc := s.cfg.Platforms.Slack; pc.Enabled {
		if !config.SlackTokensPresent(env, pc.Mode) {
			return fmt.Errorf("slack is enabled but its tokens are missing from .env (mode %s)", pc.Mode)
		}
		a, err := slack.New(pc,
			env[config.EnvSlackBotToken],
			env[config.EnvSlackAppToken],
			env[config.EnvSlackSigningSecret])
		if err != nil {
			return fmt.Errorf("build slack adapter: %w", err)
		}
		s.wire(a)
	}

	if pc := s.cfg.Platforms.Telegram; pc.Enabled {
		if !config.TelegramTokenPresent(env) {
			return fmt.Errorf("telegram is enabled but %s is missing from .env", config.EnvTelegramBotToken)
		}
		a, err := telegram.New(pc, env[config.EnvTelegramBotToken])
		if err != nil {
			return fmt.Errorf("build telegram adapter: %w", err)
		}
		s.wire(a)
	}

	if len(s.manager.Platforms()) == 0 {
		return fmt.Errorf("no platform adapter could be started; check relay.yaml and .env")
	}
	return nil
}

func (s *Service) wire(a channels.Adapter) {
	a.SetOnMessage(s.router.RouteMessage)
	a.SetOnReaction(s.router.RouteReaction)
	a.SetOnCommand(s.router.RouteCommand)
	s.manager.Register(a)
}

// replayPending posts a recovery notice for WAL rows left by a previous
// process, then closes them. Rows past the TTL are closed silently.
func (s *Service) replayPending(ctx context.Context) {
	ttl := time.Duration(s.cfg.Recovery.PendingTTLMinutes) * time.Minute

	if closed, err := s.store.CloseStalePending(ttl); err != nil {
		slog.Error("failed to close stale pending rows", "error", err)
	} else if closed > 0 {
		slog.Info("closed stale pending rows", "count", closed)
	}

	rows, err := s.store.GetPendingMessages(ttl)
	if err != nil {
		slog.Error("failed to load pending rows", "error", err)
		return
	}
	for _, row := range rows {
		notice := fmt.Sprintf("Recovered from previous session; your message %q was not processed. Please resend it.",
			channels.Truncate(row.Text, 80))
		if _, err := s.manager.SendTo(ctx, row.Platform, row.ChannelID, row.ConversationID, notice); err != nil {
			slog.Warn("failed to post recovery notice", "pending", row.ID, "error", err)
		}
		if err := s.store.MarkPendingDone(row.ID); err != nil {
			slog.Error("failed to close recovered pending row", "pending", row.ID, "error", err)
		}
	}
	if len(rows) > 0 {
		slog.Info("replayed pending messages", "count", len(rows))
	}
}

// maintenanceLoop runs retention cleanup and budget checks on the hour.
func (s *Service) maintenanceLoop(ctx context.Context) {
	g := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			due, err := g.IsDue(maintenanceCron, tick)
			if err != nil || !due {
				continue
			}
			s.runMaintenance(ctx)
		}
	}
}

func (s *Service) runMaintenance(ctx context.Context) {
	if err := s.store.CleanupStaleData(pendingHotHours, messageKeepDays, runRetentionDays); err != nil {
		slog.Error("cleanup failed", "error", err)
	}

	limit := s.cfg.Limits.DailyBudgetPerProject
	if limit <= 0 || !s.cfg.Notifications.BudgetAlerts {
		return
	}
	projects, err := s.store.ListActiveProjects(1)
	if err != nil {
		slog.Error("failed to list active projects", "error", err)
		return
	}
	for _, project := range projects {
		spent, err := s.store.GetDailySpend(project)
		if err != nil {
			slog.Error("spend lookup failed", "project", project, "error", err)
			continue
		}
		if spent >= limit*budgetAlertRatio {
			s.notifier.NotifyBudgetAlert(ctx, project, spent, limit)
		}
	}
}
