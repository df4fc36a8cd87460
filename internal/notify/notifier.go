package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pilotlynx/pilotlynx/internal/channels"
	"github.com/pilotlynx/pilotlynx/internal/config"
	"github.com/pilotlynx/pilotlynx/internal/store"
)

// Notifier posts proactive messages to the channels bound to a project.
// Every notification is gated by its notifications.* config switch; a
// project with no binding on a platform is skipped silently; a platform
// send failure is logged and never propagated.
type Notifier struct {
	cfg     config.NotificationsConfig
	manager *channels.Manager
	store   *store.Store
}

// New creates a notifier over the registered adapters and the binding
// table.
func New(cfg config.NotificationsConfig, manager *channels.Manager, st *store.Store) *Notifier {
	return &Notifier{cfg: cfg, manager: manager, store: st}
}

// NotifyScheduleResult reports a scheduled workflow outcome to the
// project's bound channels. Only failures are posted unless the run
// succeeded after previous failures; the scheduler decides when to call.
func (n *Notifier) NotifyScheduleResult(ctx context.Context, project string, run store.RelayRun) {
	if !n.cfg.ScheduleFailures {
		return
	}
	var text string
	if run.Status == store.RunStatusCompleted {
		text = fmt.Sprintf("Scheduled run for %s completed ($%.4f).", project, run.CostUSD)
	} else {
		text = fmt.Sprintf("Scheduled run for %s failed.", project)
	}
	n.broadcast(ctx, project, text)
}

// NotifyImproveInsights posts self-improvement findings for the project.
func (n *Notifier) NotifyImproveInsights(ctx context.Context, project string, insights []string) {
	if !n.cfg.ImproveInsights || len(insights) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Insights for %s:\n", project)
	for _, insight := range insights {
		fmt.Fprintf(&b, "• %s\n", insight)
	}
	n.broadcast(ctx, project, strings.TrimRight(b.String(), "\n"))
}

// NotifyBudgetAlert warns that the project is approaching its daily budget.
func (n *Notifier) NotifyBudgetAlert(ctx context.Context, project string, spent, limit float64) {
	if !n.cfg.BudgetAlerts {
		return
	}
	n.broadcast(ctx, project, fmt.Sprintf(
		"Budget alert: %s has spent $%.2f of its $%.2f daily limit.", project, spent, limit))
}

// NotifyHealthDrop reports a health score falling below the configured
// threshold. No-op while the new score is still at or above it.
func (n *Notifier) NotifyHealthDrop(ctx context.Context, project string, oldScore, newScore float64) {
	if newScore >= n.cfg.HealthScoreThreshold {
		return
	}
	n.broadcast(ctx, project, fmt.Sprintf(
		"Health score for %s dropped from %.0f to %.0f.", project, oldScore, newScore))
}

// broadcast posts text to the project's bound channel on every registered
// platform.
func (n *Notifier) broadcast(ctx context.Context, project, text string) {
	for _, platform := range n.manager.Platforms() {
		channelID, err := n.store.GetChannelForProject(platform, project)
		if err != nil {
			slog.Error("binding lookup failed", "platform", platform, "project", project, "error", err)
			continue
		}
		if channelID == "" {
			continue
		}
		if _, err := n.manager.SendTo(ctx, platform, channelID, "", text); err != nil {
			slog.Warn("notification send failed",
				"platform", platform, "project", project, "error", err)
		}
	}
}
