package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"deployq/internal/core"
	"deployq/internal/image"
	"deployq/internal/metrics"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const maxPayload = 5 << 20

// pushEvent is the subset of a GitHub push payload the server reads.
type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

// Router returns the HTTP API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/hooks/push", s.handlePush)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
	})
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/verify", s.handleVerifyLedger)
		r.Get("/deployments", s.handleDeployments)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// POST /hooks/push
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.EventRejected("too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	if s.opts.WebhookSecret != "" && !validSignature(s.opts.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		metrics.EventRejected("signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	switch kind := r.Header.Get("X-GitHub-Event"); kind {
	case "", "push":
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	default:
		s.ignore(w, "event", "unsupported event "+kind)
		return
	}

	var ev pushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.EventRejected("payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(ev.Ref, "refs/heads/") {
		s.ignore(w, "ref", "not a branch push: "+ev.Ref)
		return
	}
	if ev.Deleted || strings.Trim(ev.After, "0") == "" {
		s.ignore(w, "deleted", "branch deleted")
		return
	}
	branch := strings.TrimPrefix(ev.Ref, "refs/heads/")
	if !s.pipeline.Trigger.Matches(branch) {
		s.ignore(w, "branch", "branch "+branch+" does not trigger "+s.pipeline.Name)
		return
	}

	repo := s.opts.Repository
	if repo == "" {
		repo = ev.Repository.CloneURL
	}
	run, err := s.Enqueue(core.Event{Branch: branch, Commit: ev.After, Repository: repo, Source: "push"})
	if errors.Is(err, ErrQueueFull) {
		metrics.EventRejected("queue_full")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	log.Info().Str("runId", run.ID()).Str("branch", branch).Str("commit", ev.After).Msg("Queued run")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": run.ID()})
}

func (s *Server) ignore(w http.ResponseWriter, reason, msg string) {
	metrics.EventRejected(reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": msg})
}

func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// GET /runs
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Runs())
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.Run(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot())
}

// GET /ledger/verify
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.ledger == nil {
		http.Error(w, "no ledger configured", http.StatusNotFound)
		return
	}
	if err := s.ledger.VerifyChain(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"status": "failed", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "records": s.ledger.Len(), "head": s.ledger.LastHash()})
}

// GET /ledger/deployments[?image=repo[:tag]]
func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "no ledger configured", http.StatusNotFound)
		return
	}
	filter := r.URL.Query().Get("image")
	if filter == "" {
		writeJSON(w, http.StatusOK, s.ledger.Deployments())
		return
	}
	ref, err := image.ParseRef(filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.DeploymentsOf(ref))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
