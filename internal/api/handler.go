// Package api exposes a small admin surface over the trigger store:
// health, counts, key listings and group pause/resume.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/rubyAppSec/quartz/internal/domain"
)

type Store interface {
	NodeID() string
	NumJobs(ctx context.Context) (int, error)
	NumTriggers(ctx context.Context) (int, error)
	GetJobKeys(ctx context.Context, matcher domain.GroupMatcher) ([]domain.Key, error)
	GetTriggerKeys(ctx context.Context, matcher domain.GroupMatcher) ([]domain.Key, error)
	RetrieveTrigger(ctx context.Context, key domain.Key) (*domain.Trigger, error)
	GetPausedTriggerGroups(ctx context.Context) ([]string, error)
	PauseTriggers(ctx context.Context, matcher domain.GroupMatcher) ([]string, error)
	ResumeTriggers(ctx context.Context, matcher domain.GroupMatcher) ([]string, error)
	PauseJobs(ctx context.Context, matcher domain.GroupMatcher) ([]string, error)
	ResumeJobs(ctx context.Context, matcher domain.GroupMatcher) ([]string, error)
}

// HealthChecker provides backing-store health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	store  Store
	health HealthChecker
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// WithHealthChecker sets the substrate health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(hc HealthChecker) *Handler {
	h.health = hc
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.healthz(w, r)

	case path == "/stats" && r.Method == http.MethodGet:
		h.stats(w, r)

	case path == "/jobs" && r.Method == http.MethodGet:
		h.listKeys(w, r, h.store.GetJobKeys)

	case path == "/triggers" && r.Method == http.MethodGet:
		h.listKeys(w, r, h.store.GetTriggerKeys)

	case strings.HasPrefix(path, "/triggers/") && r.Method == http.MethodGet:
		h.getTrigger(w, r)

	case path == "/trigger-groups/pause" && r.Method == http.MethodPost:
		h.groupOp(w, r, h.store.PauseTriggers)

	case path == "/trigger-groups/resume" && r.Method == http.MethodPost:
		h.groupOp(w, r, h.store.ResumeTriggers)

	case path == "/job-groups/pause" && r.Method == http.MethodPost:
		h.groupOp(w, r, h.store.PauseJobs)

	case path == "/job-groups/resume" && r.Method == http.MethodPost:
		h.groupOp(w, r, h.store.ResumeJobs)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.health == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.health.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["store"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobs, err := h.store.NumJobs(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	triggers, err := h.store.NumTriggers(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	paused, err := h.store.GetPausedTriggerGroups(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		NodeID:              h.store.NodeID(),
		Jobs:                jobs,
		Triggers:            triggers,
		PausedTriggerGroups: paused,
	})
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request, list func(context.Context, domain.GroupMatcher) ([]domain.Key, error)) {
	matcher, err := matcherFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	keys, err := list(r.Context(), matcher)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := KeysResponse{Keys: make([]string, 0, len(keys))}
	for _, key := range keys {
		resp.Keys = append(resp.Keys, key.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getTrigger(w http.ResponseWriter, r *http.Request) {
	// Path: /triggers/{group}/{name}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/triggers/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusBadRequest, "expected /triggers/{group}/{name}")
		return
	}

	trig, err := h.store.RetrieveTrigger(r.Context(), domain.Key{Group: parts[0], Name: parts[1]})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if trig == nil {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}

	resp := TriggerResponse{
		Key:            trig.Key.String(),
		JobKey:         trig.JobKey.String(),
		State:          string(trig.State),
		Priority:       trig.Priority,
		TimesTriggered: trig.TimesTriggered,
	}
	if trig.NextFireTime != nil {
		s := trig.NextFireTime.UTC().Format(time.RFC3339)
		resp.NextFireTime = &s
	}
	if trig.PrevFireTime != nil {
		s := trig.PrevFireTime.UTC().Format(time.RFC3339)
		resp.PrevFireTime = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// maxRequestBodySize is the maximum allowed request body size (64KB).
const maxRequestBodySize = 64 << 10

func (h *Handler) groupOp(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.GroupMatcher) ([]string, error)) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req GroupsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Group != "" && req.GroupPrefix != "" {
		writeError(w, http.StatusBadRequest, "set group or group_prefix, not both")
		return
	}

	matcher := domain.MatchAll()
	switch {
	case req.Group != "":
		matcher = domain.MatchEquals(req.Group)
	case req.GroupPrefix != "":
		matcher = domain.MatchPrefix(req.GroupPrefix)
	}

	groups, err := op(r.Context(), matcher)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if groups == nil {
		groups = []string{}
	}
	writeJSON(w, http.StatusOK, GroupsResponse{Groups: groups})
}

func matcherFromQuery(r *http.Request) (domain.GroupMatcher, error) {
	group := r.URL.Query().Get("group")
	prefix := r.URL.Query().Get("group_prefix")
	switch {
	case group != "" && prefix != "":
		return domain.GroupMatcher{}, errBothMatchers
	case group != "":
		return domain.MatchEquals(group), nil
	case prefix != "":
		return domain.MatchPrefix(prefix), nil
	default:
		return domain.MatchAll(), nil
	}
}

var errBothMatchers = errors.New("set group or group_prefix, not both")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	log.Printf("api: store error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
