// Package httpapi is the optional, disabled-by-default HTTP surface:
// a health check and a GitHub webhook receiver that can kick off a
// discussion directly from a pull_request event, without going through
// the chat event path. Grounded on the teacher's webhook.go HMAC verification
// constants and payload shapes.
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"github.com/nightwatch-bot/nightwatch/internal/discussion"
)

const (
	headerSignature256 = "X-Hub-Signature-256"
	headerGitHubEvent  = "X-GitHub-Event"
	headerDelivery     = "X-GitHub-Delivery"
	maxBodyBytes       = 1 << 20 // 1MB, matching the teacher's webhook body cap
)

// pullRequestPayload is the minimal subset of GitHub's pull_request
// webhook payload nightwatch needs.
type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		HTMLURL string `json:"html_url"`
		Title   string `json:"title"`
		Number  int    `json:"number"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server is the optional webhook/health HTTP surface.
type Server struct {
	log    hclog.Logger
	secret string
	engine *discussion.Engine
}

// New builds a Server. secret is the GitHub webhook signing secret; pass
// "" to disable signature verification (not recommended outside tests).
func New(log hclog.Logger, secret string, engine *discussion.Engine) *Server {
	return &Server{log: log, secret: secret, engine: engine}
}

// Router builds the gorilla/mux router exposing /healthz and
// /webhooks/github.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/github", s.handleGitHubWebhook).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if s.secret != "" && !s.verifySignature(r.Header.Get(headerSignature256), body) {
		s.log.Warn("github webhook signature mismatch", "delivery", r.Header.Get(headerDelivery))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get(headerGitHubEvent)
	if event != "pull_request" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.Action != "opened" && payload.Action != "ready_for_review" {
		w.WriteHeader(http.StatusOK)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30_000_000_000) // 30s
		defer cancel()
		ref := fmt.Sprintf("%s#%d", payload.Repository.FullName, payload.PullRequest.Number)
		_, err := s.engine.StartDiscussion(ctx, discussion.Trigger{
			Type:        discussion.TriggerPRReview,
			ProjectPath: payload.Repository.FullName,
			Ref:         ref,
			Context:     fmt.Sprintf("PR %q (%s)", payload.PullRequest.Title, payload.PullRequest.HTMLURL),
		})
		if err != nil {
			s.log.Warn("failed to start discussion from webhook", "error", err.Error())
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header[len(prefix):]))
}
