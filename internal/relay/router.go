package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pilotlynx/pilotlynx/internal/bus"
	"github.com/pilotlynx/pilotlynx/internal/channels"
	"github.com/pilotlynx/pilotlynx/internal/config"
	"github.com/pilotlynx/pilotlynx/internal/executor"
	"github.com/pilotlynx/pilotlynx/internal/feedback"
	"github.com/pilotlynx/pilotlynx/internal/notify"
	"github.com/pilotlynx/pilotlynx/internal/pool"
	"github.com/pilotlynx/pilotlynx/internal/prompt"
	"github.com/pilotlynx/pilotlynx/internal/sanitize"
	"github.com/pilotlynx/pilotlynx/internal/store"
)

// Router is the gate sequence between platform events and agent runs.
type Router struct {
	cfg       *config.RelayConfig
	root      string
	store     *store.Store
	pool      *pool.Pool
	manager   *channels.Manager
	exec      *executor.Executor
	assembler *prompt.Assembler
	feedback  *feedback.Log
	webhooks  *notify.WebhookDispatcher

	aborts          *AbortRegistry
	msgLimiter      *RateLimiter
	reactionLimiter *RateLimiter
	startedAt       time.Time
}

// NewRouter wires the router over its collaborators.
func NewRouter(
	cfg *config.RelayConfig,
	root string,
	st *store.Store,
	p *pool.Pool,
	manager *channels.Manager,
	exec *executor.Executor,
) *Router {
	return &Router{
		cfg:             cfg,
		root:            root,
		store:           st,
		pool:            p,
		manager:         manager,
		exec:            exec,
		assembler:       prompt.New(st, cfg.Context),
		feedback:        feedback.NewLog(root),
		webhooks:        notify.NewWebhookDispatcher(root),
		aborts:          NewAbortRegistry(),
		msgLimiter:      NewRateLimiter(cfg.Limits.UserRatePerHour),
		reactionLimiter: NewRateLimiter(cfg.Limits.ReactionRatePerHour),
		startedAt:       time.Now(),
	}
}

// Aborts exposes the abort registry for status reporting and shutdown.
func (r *Router) Aborts() *AbortRegistry { return r.aborts }

// RouteMessage is the adapter message callback: gate the message, then
// schedule a run. Never returns an error to the adapter; everything past
// admission happens asynchronously.
func (r *Router) RouteMessage(msg bus.ChatMessage) {
	ctx := context.Background()

	if msg.IsBot {
		return
	}

	if err := r.store.CacheMessage(msg); err != nil {
		slog.Error("failed to cache message", "message", msg.MessageID, "error", err)
	}

	if cmd, ok := ParseAdminCommand(msg.Text); ok {
		r.handleAdminCommand(ctx, msg.Platform, msg.ChannelID, msg.ConversationID, msg.UserID, cmd)
		return
	}

	binding, err := r.store.LookupBinding(msg.Platform, msg.ChannelID)
	if err != nil {
		slog.Error("binding lookup failed", "channel", msg.ChannelID, "error", err)
		return
	}
	if binding == nil {
		r.reply(ctx, msg.Platform, msg.ChannelID, msg.ConversationID,
			"This channel is not bound to a project. An admin can run `bind <project>` to set one up.")
		return
	}

	if !r.msgLimiter.Allow(msg.Platform + ":" + msg.UserID) {
		r.reply(ctx, msg.Platform, msg.ChannelID, msg.ConversationID,
			"You are sending messages too quickly; please wait a bit.")
		return
	}

	if limit := r.cfg.Limits.DailyBudgetPerProject; limit > 0 {
		spent, err := r.store.GetDailySpend(binding.Project)
		if err != nil {
			slog.Error("daily spend lookup failed", "project", binding.Project, "error", err)
		} else if spent >= limit {
			r.reply(ctx, msg.Platform, msg.ChannelID, msg.ConversationID,
				fmt.Sprintf("Daily budget reached for %s ($%.2f of $%.2f). Try again tomorrow.",
					binding.Project, spent, limit))
			return
		}
	}

	pendingID := uuid.NewString()
	err = r.store.WritePendingMessage(store.PendingMessage{
		ID:             pendingID,
		Platform:       msg.Platform,
		ChannelID:      msg.ChannelID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
		UserID:         msg.UserID,
		Text:           msg.Text,
		ReceivedAt:     msg.Timestamp,
	})
	if err != nil {
		slog.Error("failed to write pending row", "error", err)
		return
	}

	project := binding.Project
	resultCh, position, err := r.pool.Enqueue(project, func(taskCtx context.Context) error {
		return r.executeAndPost(taskCtx, msg, project, pendingID)
	})
	if err != nil {
		if markErr := r.store.MarkPendingDone(pendingID); markErr != nil {
			slog.Error("failed to close pending row", "error", markErr)
		}
		r.reply(ctx, msg.Platform, msg.ChannelID, msg.ConversationID,
			fmt.Sprintf("Cannot accept this request right now: %v", err))
		return
	}
	if position > 0 {
		r.reply(ctx, msg.Platform, msg.ChannelID, msg.ConversationID,
			fmt.Sprintf("Queued at position %d for %s.", position, project))
	}

	go func() {
		if err := <-resultCh; err != nil {
			slog.Error("relay run failed", "project", project, "error", err)
		}
	}()
}

// executeAndPost is one run under the project's pool slot: assemble, run the
// agent, post the sanitized result, account the run, fire webhooks.
func (r *Router) executeAndPost(ctx context.Context, msg bus.ChatMessage, project, pendingID string) error {
	runID := uuid.NewString()
	runCtx := r.aborts.Register(ctx, msg.ConversationID)
	defer r.aborts.Unregister(msg.ConversationID)
	defer func() {
		if err := r.store.MarkPendingDone(pendingID); err != nil {
			slog.Error("failed to close pending row", "id", pendingID, "error", err)
		}
	}()

	if err := r.store.MarkPendingProcessing(pendingID); err != nil {
		slog.Error("failed to mark pending processing", "id", pendingID, "error", err)
	}

	err := r.store.RecordRelayRun(store.RelayRun{
		ID:             runID,
		Platform:       msg.Platform,
		ChannelID:      msg.ChannelID,
		ConversationID: msg.ConversationID,
		Project:        project,
		UserID:         msg.UserID,
		StartedAt:      time.Now(),
		Status:         store.RunStatusRunning,
	})
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	adapter, ok := r.manager.Get(msg.Platform)
	if !ok {
		return fmt.Errorf("platform %s not registered", msg.Platform)
	}

	proj, err := executor.LoadProject(r.root, project)
	if err != nil {
		r.finishRun(ctx, runID, msg, project, nil, bus.RunResult{Error: "project unavailable"})
		r.reply(ctx, msg.Platform, msg.ChannelID, msg.ConversationID,
			fmt.Sprintf("Project %q is not available on disk.", project))
		return fmt.Errorf("load project %s: %w", project, err)
	}

	stream, err := adapter.StartStream(runCtx, msg.ChannelID, msg.ConversationID)
	if err != nil {
		slog.Warn("failed to start stream, falling back to plain posts", "error", err)
		stream = channels.NopStream{}
	}

	var fetch prompt.ThreadFetcher
	if adapter.Capabilities().SupportsThreads {
		fetch = adapter.GetThreadHistory
	}
	assembled, err := r.assembler.Assemble(runCtx, prompt.Request{
		ChannelID:      msg.ChannelID,
		ConversationID: msg.ConversationID,
		UserMessage:    msg.Text,
		UserName:       msg.UserName,
		Project:        project,
		Platform:       msg.Platform,
		Fetch:          fetch,
	})
	if err != nil {
		_ = stream.Stop(ctx)
		r.finishRun(ctx, runID, msg, project, proj.Env, bus.RunResult{Error: "context assembly failed"})
		return fmt.Errorf("assemble context: %w", err)
	}
	if assembled.IsStale {
		r.reply(ctx, msg.Platform, msg.ChannelID, msg.ConversationID,
			fmt.Sprintf("Thread inactive for %d+ days; starting fresh.", r.cfg.Context.StaleThreadDays))
	}

	result := r.exec.Execute(runCtx, executor.Request{
		Prompt:   assembled.Prompt,
		Project:  proj,
		MaxTurns: r.cfg.Agent.MaxTurns,
		OnText: func(text string) {
			if err := stream.Append(runCtx, text); err != nil {
				slog.Debug("stream append failed", "error", err)
			}
		},
	})

	if err := stream.Stop(ctx); err != nil {
		slog.Debug("stream stop failed", "error", err)
	}

	r.postResult(ctx, adapter, msg, proj, result)
	r.finishRun(ctx, runID, msg, project, proj.Env, result)
	return nil
}

// postResult sanitizes, chunks, and posts the run output, followed by the
// diff summary and the cost footer.
func (r *Router) postResult(ctx context.Context, adapter channels.Adapter, msg bus.ChatMessage, proj *executor.Project, result bus.RunResult) {
	maxLen := adapter.Capabilities().MaxMessageLength

	if result.Error != "" && result.Text == "" {
		r.reply(ctx, msg.Platform, msg.ChannelID, msg.ConversationID,
			"Run failed: "+sanitize.SanitizeAgentOutput(result.Error, proj.Env))
		return
	}

	text := sanitize.SanitizeAgentOutput(result.Text, proj.Env)
	for _, chunk := range sanitize.ChunkMessage(text, maxLen) {
		if _, err := adapter.SendMessage(ctx, msg.ChannelID, msg.ConversationID, chunk); err != nil {
			slog.Error("failed to post response chunk", "error", err)
			return
		}
	}

	// The chunker cuts over-threshold responses, so deliver the full
	// sanitized output as a file alongside them.
	if len(text) > sanitize.SoftThreshold {
		if err := adapter.UploadFile(ctx, msg.ChannelID, msg.ConversationID, "full-output.md", []byte(text)); err != nil {
			slog.Warn("failed to upload full output", "error", err)
		}
	}

	if result.GitDiffStat != "" {
		diff := sanitize.SanitizeAgentOutput(result.GitDiffStat, proj.Env)
		r.reply(ctx, msg.Platform, msg.ChannelID, msg.ConversationID, "```\n"+diff+"\n```")
	}
	r.reply(ctx, msg.Platform, msg.ChannelID, msg.ConversationID, sanitize.FormatCostFooter(result))
}

// runSummary builds the webhook summary. Webhook endpoints are external, so
// the summary gets the same redaction as the channel path.
func runSummary(result bus.RunResult, env map[string]string) string {
	summary := result.Text
	if summary == "" {
		summary = result.Error
	}
	return sanitize.SanitizeAgentOutput(summary, env)
}

// finishRun closes the run row and fires the completion webhook. env is the
// project's variables for summary redaction; nil when the project never
// loaded.
func (r *Router) finishRun(ctx context.Context, runID string, msg bus.ChatMessage, project string, env map[string]string, result bus.RunResult) {
	now := time.Now()
	status := store.RunStatusCompleted
	event := config.EventRelayRunComplete
	if !result.Success {
		status = store.RunStatusFailed
		event = config.EventRelayRunFailed
	}

	patch := store.RunPatch{
		CompletedAt:  &now,
		Status:       &status,
		CostUSD:      &result.CostUSD,
		InputTokens:  &result.InputTokens,
		OutputTokens: &result.OutputTokens,
		DurationMs:   &result.DurationMs,
	}
	if result.Model != "" {
		patch.Model = &result.Model
	}
	if err := r.store.UpdateRelayRun(runID, patch); err != nil {
		slog.Error("failed to update run row", "run", runID, "error", err)
	}

	r.webhooks.Dispatch(ctx, notify.Event{
		Event:      event,
		Project:    project,
		Workflow:   "relay",
		Success:    result.Success,
		Summary:    runSummary(result, env),
		CostUSD:    result.CostUSD,
		DurationMs: result.DurationMs,
		Model:      result.Model,
		Platform:   msg.Platform,
		ChannelID:  msg.ChannelID,
	})
}

// RouteReaction is the adapter reaction callback: stop emojis abort the
// conversation's run, known emojis become feedback entries.
func (r *Router) RouteReaction(re bus.Reaction) {
	ctx := context.Background()

	if !r.reactionLimiter.Allow(re.Platform + ":" + re.UserID) {
		return
	}

	target, err := r.store.GetMessage(re.MessageID)
	if err != nil {
		slog.Error("failed to resolve reacted message", "message", re.MessageID, "error", err)
		return
	}
	conversationID := re.MessageID
	if target != nil {
		conversationID = target.ConversationID
	}

	emoji := trimColons(re.Emoji)
	if emoji == "stop_sign" || emoji == "octagonal_sign" {
		if r.aborts.Abort(conversationID) {
			r.reply(ctx, re.Platform, re.ChannelID, conversationID, "Run cancelled.")
		}
		return
	}

	kind, known := feedback.Classify(re.Emoji)
	if !known {
		return
	}

	project := ""
	if binding, err := r.store.LookupBinding(re.Platform, re.ChannelID); err == nil && binding != nil {
		project = binding.Project
	}

	summary := ""
	if target != nil && target.IsBot {
		summary = channels.Truncate(target.Text, 500)
	}
	err = r.feedback.Record(feedback.Entry{
		Type:               kind,
		Platform:           re.Platform,
		ChannelID:          re.ChannelID,
		MessageID:          re.MessageID,
		UserID:             re.UserID,
		Project:            project,
		AgentOutputSummary: summary,
	})
	if err != nil {
		slog.Error("failed to record feedback", "error", err)
	}

	if kind == feedback.TypeNegative {
		r.reply(ctx, re.Platform, re.ChannelID, conversationID,
			"Sorry that missed the mark. What should have been different?")
	}
}

// RouteCommand is the adapter slash-command callback. Slash commands carry
// no thread, so replies land in the channel.
func (r *Router) RouteCommand(cmd bus.Command) {
	ctx := context.Background()
	r.handleAdminCommand(ctx, cmd.Platform, cmd.ChannelID, "", cmd.UserID,
		normalizeAdminCommand(AdminCommand{Command: cmd.Command, Args: cmd.Args}))
}

// reply posts text into the conversation, logging failures.
func (r *Router) reply(ctx context.Context, platform, channelID, conversationID, text string) {
	if _, err := r.manager.SendTo(ctx, platform, channelID, conversationID, text); err != nil {
		slog.Warn("reply failed", "platform", platform, "channel", channelID, "error", err)
	}
}

func trimColons(emoji string) string {
	for len(emoji) > 1 && emoji[0] == ':' && emoji[len(emoji)-1] == ':' {
		emoji = emoji[1 : len(emoji)-1]
	}
	return emoji
}
