package slack

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/pilotlynx/pilotlynx/internal/bus"
)

// watchdogSilence is how long the socket may go without any event (Slack
// sends periodic hellos/pings) before the connection is considered dead.
const watchdogSilence = 90 * time.Second

// maxReconnectBackoff caps the reconnect delay.
const maxReconnectBackoff = 30 * time.Second

// runSocket drives the Socket Mode connection, reconnecting with backoff
// when it drops or the watchdog fires.
func (a *Adapter) runSocket(ctx context.Context) {
	defer close(a.stopped)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		socket := socketmode.New(a.api)

		connCtx, cancelConn := context.WithCancel(ctx)
		lastEvent := make(chan struct{}, 1)
		go a.watchdog(connCtx, cancelConn, lastEvent)
		go a.consumeSocketEvents(connCtx, socket, lastEvent)

		started := time.Now()
		err := socket.RunContext(connCtx)
		cancelConn()
		if ctx.Err() != nil {
			return
		}

		// A connection that held for a while resets the backoff.
		if time.Since(started) > time.Minute {
			backoff = time.Second
		}
		slog.Warn("slack socket disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff *= 2; backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// watchdog cancels the connection when no event arrives within the silence
// window.
func (a *Adapter) watchdog(ctx context.Context, cancel context.CancelFunc, lastEvent <-chan struct{}) {
	timer := time.NewTimer(watchdogSilence)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-lastEvent:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(watchdogSilence)
		case <-timer.C:
			slog.Warn("slack socket silent, forcing reconnect", "silence", watchdogSilence)
			cancel()
			return
		}
	}
}

// consumeSocketEvents reads one connection's event channel. The client is a
// parameter so a reconnect's fresh client never races a previous consumer.
func (a *Adapter) consumeSocketEvents(ctx context.Context, socket *socketmode.Client, lastEvent chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socket.Events:
			if !ok {
				return
			}
			select {
			case lastEvent <- struct{}{}:
			default:
			}

			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socket.Ack(*evt.Request)
				a.handleEventsAPI(ctx, apiEvent)
			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				socket.Ack(*evt.Request)
				a.handleSlashCommand(cmd)
			case socketmode.EventTypeConnectionError:
				slog.Warn("slack socket connection error", "data", evt.Data)
			}
		}
	}
}

// handleEventsAPI translates an Events API callback into bus events.
// Shared by socket and http delivery.
func (a *Adapter) handleEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch inner := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Subtypes cover edits, deletes, joins; only plain messages and
		// file shares are routed.
		if inner.SubType != "" && inner.SubType != "file_share" {
			return
		}
		if a.isSelf(inner.User, inner.BotID) {
			return
		}
		if !a.dedup.firstSeen(inner.Channel + ":" + inner.TimeStamp) {
			return
		}

		conversation := inner.ThreadTimeStamp
		if conversation == "" {
			conversation = inner.TimeStamp
		}
		if a.onMessage != nil {
			a.onMessage(bus.ChatMessage{
				Platform:       "slack",
				ChannelID:      inner.Channel,
				ConversationID: conversation,
				MessageID:      inner.TimeStamp,
				UserID:         inner.User,
				UserName:       a.displayName(ctx, inner.User),
				Text:           inner.Text,
				Timestamp:      parseSlackTs(inner.TimeStamp),
				IsBot:          inner.BotID != "",
			})
		}

	case *slackevents.ReactionAddedEvent:
		if a.isSelf(inner.User, "") {
			return
		}
		if !a.dedup.firstSeen("reaction:" + inner.Item.Timestamp + ":" + inner.User + ":" + inner.Reaction) {
			return
		}
		if a.onReaction != nil {
			a.onReaction(bus.Reaction{
				Platform:  "slack",
				ChannelID: inner.Item.Channel,
				MessageID: inner.Item.Timestamp,
				UserID:    inner.User,
				Emoji:     inner.Reaction,
			})
		}
	}
}

func (a *Adapter) handleSlashCommand(cmd slack.SlashCommand) {
	if a.onCommand == nil {
		return
	}
	fields := strings.Fields(cmd.Text)
	command := ""
	var args []string
	if len(fields) > 0 {
		command = strings.ToLower(fields[0])
		args = fields[1:]
	}
	a.onCommand(bus.Command{
		Platform:  "slack",
		ChannelID: cmd.ChannelID,
		UserID:    cmd.UserID,
		Command:   command,
		Args:      args,
	})
}
