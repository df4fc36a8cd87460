package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pilotlynx/pilotlynx/internal/executor"
	"github.com/pilotlynx/pilotlynx/internal/store"
)

// AdminCommand is a parsed control command.
type AdminCommand struct {
	Command string
	Args    []string
}

var knownCommands = map[string]bool{
	"bind":   true,
	"unbind": true,
	"status": true,
	"where":  true,
	"help":   true,
	"cancel": true,
	"new":    true,
}

// adminOnly marks commands requiring membership in admins[platform].
var adminOnly = map[string]bool{
	"bind":   true,
	"unbind": true,
}

const helpText = `Commands:
  bind <project> - bind this channel to a project (admin)
  unbind - remove this channel's binding (admin)
  status - active runs, queues, uptime
  where - show the project bound here
  cancel - abort the current run in this thread
  new - clear cached history for this thread
  help - this message`

// ParseAdminCommand recognises the admin syntaxes: "/pilotlynx-<cmd>",
// "/pilotlynx <cmd>", "!<cmd>", or a bare known command word.
func ParseAdminCommand(text string) (AdminCommand, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return AdminCommand{}, false
	}

	head := fields[0]
	rest := fields[1:]

	switch {
	case strings.HasPrefix(head, "/pilotlynx-"):
		return AdminCommand{Command: strings.ToLower(strings.TrimPrefix(head, "/pilotlynx-")), Args: rest}, true
	case head == "/pilotlynx":
		if len(rest) == 0 {
			return AdminCommand{Command: "help"}, true
		}
		return AdminCommand{Command: strings.ToLower(rest[0]), Args: rest[1:]}, true
	case strings.HasPrefix(head, "!"):
		return AdminCommand{Command: strings.ToLower(strings.TrimPrefix(head, "!")), Args: rest}, true
	}

	if cmd := strings.ToLower(head); knownCommands[cmd] {
		return AdminCommand{Command: cmd, Args: rest}, true
	}
	return AdminCommand{}, false
}

// normalizeAdminCommand folds the registered slash forms back to the bare
// command. Telegram delivers "/pilotlynx bind api" as command "pilotlynx"
// with args, and "/pilotlynx-bind api" as command "pilotlynx-bind"; both
// must dispatch as "bind".
func normalizeAdminCommand(cmd AdminCommand) AdminCommand {
	switch {
	case cmd.Command == "pilotlynx":
		if len(cmd.Args) == 0 {
			return AdminCommand{Command: "help"}
		}
		return AdminCommand{Command: strings.ToLower(cmd.Args[0]), Args: cmd.Args[1:]}
	case strings.HasPrefix(cmd.Command, "pilotlynx-"):
		return AdminCommand{Command: strings.TrimPrefix(cmd.Command, "pilotlynx-"), Args: cmd.Args}
	}
	return cmd
}

// handleAdminCommand dispatches a parsed command and replies in the
// conversation. Unknown commands get the help text.
func (r *Router) handleAdminCommand(ctx context.Context, platform, channelID, conversationID, userID string, cmd AdminCommand) {
	if adminOnly[cmd.Command] && !r.cfg.Admins.IsAdmin(platform, userID) {
		r.reply(ctx, platform, channelID, conversationID, "Permission denied")
		return
	}

	switch cmd.Command {
	case "bind":
		r.cmdBind(ctx, platform, channelID, conversationID, userID, cmd.Args)
	case "unbind":
		r.cmdUnbind(ctx, platform, channelID, conversationID)
	case "status":
		r.cmdStatus(ctx, platform, channelID, conversationID)
	case "where":
		r.cmdWhere(ctx, platform, channelID, conversationID)
	case "cancel":
		if r.aborts.Abort(conversationID) {
			r.reply(ctx, platform, channelID, conversationID, "Run cancelled.")
		} else {
			r.reply(ctx, platform, channelID, conversationID, "Nothing is running in this thread.")
		}
	case "new":
		if err := r.store.PurgeConversation(conversationID); err != nil {
			slog.Error("failed to purge conversation", "conversation", conversationID, "error", err)
			r.reply(ctx, platform, channelID, conversationID, "Failed to clear history.")
			return
		}
		r.reply(ctx, platform, channelID, conversationID, "History cleared; starting fresh.")
	default:
		r.reply(ctx, platform, channelID, conversationID, helpText)
	}
}

func (r *Router) cmdBind(ctx context.Context, platform, channelID, conversationID, userID string, args []string) {
	if len(args) == 0 {
		r.reply(ctx, platform, channelID, conversationID, "Usage: bind <project>")
		return
	}
	project := args[0]
	if !executor.ProjectExists(r.root, project) {
		r.reply(ctx, platform, channelID, conversationID,
			fmt.Sprintf("Unknown project %q.", project))
		return
	}
	err := r.store.SaveBinding(store.Binding{
		Platform:  platform,
		ChannelID: channelID,
		Project:   project,
		BoundBy:   userID,
		BoundAt:   time.Now(),
	})
	if err != nil {
		slog.Error("failed to save binding", "error", err)
		r.reply(ctx, platform, channelID, conversationID, "Failed to save binding.")
		return
	}
	r.reply(ctx, platform, channelID, conversationID,
		fmt.Sprintf("Channel bound to project %q.", project))
}

func (r *Router) cmdUnbind(ctx context.Context, platform, channelID, conversationID string) {
	removed, err := r.store.RemoveBinding(platform, channelID)
	if err != nil {
		slog.Error("failed to remove binding", "error", err)
		r.reply(ctx, platform, channelID, conversationID, "Failed to remove binding.")
		return
	}
	if removed {
		r.reply(ctx, platform, channelID, conversationID, "Binding removed.")
	} else {
		r.reply(ctx, platform, channelID, conversationID, "This channel has no binding.")
	}
}

func (r *Router) cmdStatus(ctx context.Context, platform, channelID, conversationID string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Active runs: %d\n", r.pool.GetActiveCount())
	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(r.startedAt).Round(time.Second))

	queued := r.pool.QueuedProjects()
	if len(queued) == 0 {
		b.WriteString("Queues: empty")
	} else {
		b.WriteString("Queues:")
		for project, depth := range queued {
			fmt.Fprintf(&b, " %s=%d", project, depth)
		}
	}
	r.reply(ctx, platform, channelID, conversationID, b.String())
}

func (r *Router) cmdWhere(ctx context.Context, platform, channelID, conversationID string) {
	binding, err := r.store.LookupBinding(platform, channelID)
	if err != nil {
		slog.Error("binding lookup failed", "error", err)
		r.reply(ctx, platform, channelID, conversationID, "Lookup failed.")
		return
	}
	if binding == nil {
		r.reply(ctx, platform, channelID, conversationID, "This channel is not bound to any project.")
		return
	}
	r.reply(ctx, platform, channelID, conversationID,
		fmt.Sprintf("Bound to project %q (by %s).", binding.Project, binding.BoundBy))
}
