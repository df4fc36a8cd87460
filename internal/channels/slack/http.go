package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// eventServer receives Events API callbacks over HTTP when the workspace
// cannot use Socket Mode. Requests are verified against the signing secret.
type eventServer struct {
	adapter *Adapter
	secret  string
	server  *http.Server
}

func newEventServer(a *Adapter, port int, secret string) *eventServer {
	es := &eventServer{adapter: a, secret: secret}
	mux := http.NewServeMux()
	mux.HandleFunc("/slack/events", es.handleEvents)
	es.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return es
}

// runEvents serves the listener until the context ends.
func (a *Adapter) runEvents(ctx context.Context) {
	defer close(a.stopped)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.events.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("slack events listener failed", "error", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.events.server.Shutdown(shutdownCtx)
	}
}

func (es *eventServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	verifier, err := slack.NewSecretsVerifier(r.Header, es.secret)
	if err != nil {
		http.Error(w, "bad signature headers", http.StatusUnauthorized)
		return
	}
	if _, err := verifier.Write(body); err != nil {
		http.Error(w, "verify error", http.StatusInternalServerError)
		return
	}
	if err := verifier.Ensure(); err != nil {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	apiEvent, err := slackevents.ParseEvent(body, slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "parse error", http.StatusBadRequest)
		return
	}

	switch apiEvent.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "bad challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, challenge.Challenge)
	case slackevents.CallbackEvent:
		// Ack before processing; Slack retries on slow responses and the
		// dedupe set absorbs any that still slip through.
		w.WriteHeader(http.StatusOK)
		go es.adapter.handleEventsAPI(context.Background(), apiEvent)
	default:
		w.WriteHeader(http.StatusOK)
	}
}
