package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"deployq/internal/checkout"
	"deployq/internal/command/commandtest"
	"deployq/internal/core"
	"deployq/internal/provenance"
	"deployq/internal/security"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	secret = "webhook-secret"
	commit = "3f2c1a9b0d4e5f60718293a4b5c6d7e8f9012345"
)

func newServer(t *testing.T, opts Options) (*Server, *commandtest.Runner) {
	t.Helper()
	p := &core.Pipeline{
		Name:    "job-autoapply",
		Trigger: core.Trigger{Branch: "main"},
		Stages:  []core.Stage{{Name: "test", Steps: []core.Step{{Run: "pytest"}}}},
	}
	keys, err := security.GenerateKeyPair()
	require.NoError(t, err)
	ledger, err := provenance.OpenLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)

	cmds := &commandtest.Runner{}
	runner := &core.Runner{
		Scheduler: core.NewScheduler(),
		Executor:  core.NewExecutor(cmds, time.Minute),
		Workspace: checkout.Local{Dir: t.TempDir()},
		Ledger:    ledger,
		Keys:      keys,
	}
	if opts.WebhookSecret == "" {
		opts.WebhookSecret = secret
	}
	return New(p, runner, ledger, opts), cmds
}

func pushBody(ref, after string) []byte {
	b, _ := json.Marshal(map[string]any{
		"ref":   ref,
		"after": after,
		"repository": map[string]string{
			"full_name": "acct/job-autoapply",
			"clone_url": "https://github.com/acct/job-autoapply.git",
		},
	})
	return b
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func push(t *testing.T, h http.Handler, body []byte, signature, event string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/hooks/push", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestPush_QueuesAndRuns(t *testing.T) {
	s, cmds := newServer(t, Options{})
	h := s.Router()

	body := pushBody("refs/heads/main", commit)
	rec := push(t, h, body, sign(body), "push")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "queued", resp["status"])
	id := resp["id"]
	require.NotEmpty(t, id)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Work(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		run, ok := s.Run(id)
		return ok && run.Status() == core.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status core.RunStatus
	decode(t, rec, &status)
	assert.Equal(t, core.StatusSucceeded, status.Status)
	assert.Equal(t, "main", status.Event.Branch)
	assert.Equal(t, commit, status.Event.Commit)
	assert.Equal(t, "https://github.com/acct/job-autoapply.git", status.Event.Repository)

	assert.Len(t, cmds.Matching("sh -c pytest"), 1)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	var list []core.RunStatus
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger/verify", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":1`)
}

func TestPush_RejectsBadSignature(t *testing.T) {
	s, _ := newServer(t, Options{})
	body := pushBody("refs/heads/main", commit)

	assert.Equal(t, http.StatusUnauthorized, push(t, s.Router(), body, "", "push").Code)
	assert.Equal(t, http.StatusUnauthorized, push(t, s.Router(), body, "sha256=00ff", "push").Code)
	assert.Equal(t, http.StatusUnauthorized, push(t, s.Router(), body, sign([]byte("other")), "push").Code)
	assert.Empty(t, s.Runs())
}

func TestPush_Ignored(t *testing.T) {
	cases := map[string]struct {
		body  []byte
		event string
	}{
		"other branch": {body: pushBody("refs/heads/feature", commit), event: "push"},
		"tag":          {body: pushBody("refs/tags/v1", commit), event: "push"},
		"deletion":     {body: pushBody("refs/heads/main", "0000000000000000000000000000000000000000"), event: "push"},
		"issue event":  {body: []byte(`{}`), event: "issues"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s, _ := newServer(t, Options{})
			rec := push(t, s.Router(), tc.body, sign(tc.body), tc.event)
			require.Equal(t, http.StatusOK, rec.Code)
			var resp map[string]string
			decode(t, rec, &resp)
			assert.Equal(t, "ignored", resp["status"])
			assert.Empty(t, s.Runs())
		})
	}
}

func TestPush_Ping(t *testing.T) {
	s, _ := newServer(t, Options{})
	body := []byte(`{"zen":"Keep it logically awesome."}`)
	rec := push(t, s.Router(), body, sign(body), "ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")
}

func TestPush_InvalidPayload(t *testing.T) {
	s, _ := newServer(t, Options{})
	body := []byte(`{not json`)
	rec := push(t, s.Router(), body, sign(body), "push")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPush_QueueFull(t *testing.T) {
	s, _ := newServer(t, Options{QueueSize: 1})
	h := s.Router()

	for i, want := range []int{http.StatusAccepted, http.StatusServiceUnavailable} {
		body := pushBody("refs/heads/main", fmt.Sprintf("%040d", i+1))
		assert.Equal(t, want, push(t, h, body, sign(body), "push").Code)
	}
}

func TestPush_RepositoryOverride(t *testing.T) {
	s, _ := newServer(t, Options{Repository: "git@github.com:acct/job-autoapply.git"})
	body := pushBody("refs/heads/main", commit)
	rec := push(t, s.Router(), body, sign(body), "push")
	require.Equal(t, http.StatusAccepted, rec.Code)

	runs := s.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, "git@github.com:acct/job-autoapply.git", runs[0].Event.Repository)
}

func TestGetRun_NotFound(t *testing.T) {
	s, _ := newServer(t, Options{})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newServer(t, Options{})
	h := s.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok", rec.Body.String())

	// make sure at least one of our series exists
	body := pushBody("refs/heads/feature", commit)
	push(t, h, body, sign(body), "push")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	data, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(data), "deployq_events_rejected_total")
}

func TestLedgerEndpointsWithoutLedger(t *testing.T) {
	s, _ := newServer(t, Options{})
	s.ledger = nil
	for _, path := range []string{"/ledger/verify", "/ledger/deployments"} {
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestRememberEvictsFinishedRuns(t *testing.T) {
	s, _ := newServer(t, Options{KeepRuns: 2, QueueSize: 8})
	var first *core.Run
	for i := 0; i < 3; i++ {
		run, err := s.Enqueue(core.Event{Branch: "main"})
		require.NoError(t, err)
		if first == nil {
			first = run
		}
	}
	// nothing has finished yet, so nothing is evicted
	assert.Len(t, s.Runs(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Work(ctx)
	require.Eventually(t, func() bool { return first.Status() == core.StatusSucceeded }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, r := range s.Runs() {
			if r.Status != core.StatusSucceeded {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	_, err := s.Enqueue(core.Event{Branch: "main"})
	require.NoError(t, err)
	assert.Len(t, s.Runs(), 2)
	_, ok := s.Run(first.ID())
	assert.False(t, ok)
}

func TestPush_PayloadTooLarge(t *testing.T) {
	s, _ := newServer(t, Options{})
	body := bytes.Repeat([]byte("a"), maxPayload+1)

	rec := push(t, s.Router(), body, sign(body), "push")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, s.Runs())
}

func TestLedgerDeploymentsFilter(t *testing.T) {
	s, _ := newServer(t, Options{})
	keys, err := security.GenerateKeyPair()
	require.NoError(t, err)
	for _, ref := range []string{"acct/job-autoapply:latest", "acct/job-autoapply:3f2c1a9b0d4e", "acct/other:latest"} {
		_, err := s.ledger.Append(provenance.Entry{RunID: "r", Stage: "deploy", Kind: "deploy", Status: "succeeded", Image: ref}, keys)
		require.NoError(t, err)
	}
	h := s.Router()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	var all, repo, tagged []provenance.Record
	decode(t, get("/ledger/deployments"), &all)
	assert.Len(t, all, 3)
	decode(t, get("/ledger/deployments?image=acct/job-autoapply"), &repo)
	assert.Len(t, repo, 2)
	decode(t, get("/ledger/deployments?image=acct/job-autoapply:latest"), &tagged)
	require.Len(t, tagged, 1)
	assert.Equal(t, "acct/job-autoapply:latest", tagged[0].Image)

	assert.Equal(t, http.StatusBadRequest, get("/ledger/deployments?image=Acct/Bad").Code)

	var verify map[string]any
	decode(t, get("/ledger/verify"), &verify)
	assert.Equal(t, s.ledger.LastHash(), verify["head"])
}
