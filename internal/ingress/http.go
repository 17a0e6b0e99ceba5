// Package ingress exposes the HTTP intake: events come in as JSON, get run
// through the rule engine, and the attempt trail is readable back out.
package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/rulepost/internal/event"
	"github.com/nuetzliches/rulepost/internal/history"
)

const (
	defaultMaxBodyBytes = 1 << 20 // 1 MiB

	codeInvalidBody      = "invalid_body"
	codeInvalidQuery     = "invalid_query"
	codeMethodNotAllowed = "method_not_allowed"
	codeNotFound         = "not_found"
	codePayloadTooLarge  = "payload_too_large"
	codeHistoryOff       = "history_unavailable"
)

// Processor runs an event through the rules and reports how many dispatches
// fired.
type Processor interface {
	Process(ctx context.Context, ev event.Event) int
}

type Server struct {
	Engine Processor

	// Store, when set, backs the attempt browsing endpoints.
	Store history.Store

	// ObserveResult, when set, is called once per intake request.
	ObserveResult func(accepted bool)

	MaxBodyBytes int64
}

func NewServer(engine Processor) *Server {
	return &Server{
		Engine:       engine,
		MaxBodyBytes: defaultMaxBodyBytes,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch path.Clean(r.URL.Path) {
	case "/healthz":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	case "/v1/events":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleEvent(w, r)
	case "/v1/attempts":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleAttempts(w, r)
	case "/v1/attempts/stats":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleAttemptStats(w, r)
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "unknown path")
	}
}

type eventRequest struct {
	External   bool   `json:"external"`
	Schema     string `json:"schema"`
	Subject    string `json:"subject"`
	Type       string `json:"type"`
	Object     string `json:"object"`
	Info       string `json:"info"`
	RequestKey string `json:"request_key"`
	Via        string `json:"via"`
	Roles      string `json:"roles"`
}

type eventResponse struct {
	Fired int `json:"fired"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	maxBody := s.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "event body too large")
		} else {
			writeError(w, http.StatusBadRequest, codeInvalidBody, "cannot read event body")
		}
		s.observe(false)
		return
	}

	var req eventRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, fmt.Sprintf("invalid event: %v", err))
		s.observe(false)
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "event type is required")
		s.observe(false)
		return
	}

	fired := s.Engine.Process(r.Context(), event.Event{
		External:   req.External,
		Schema:     req.Schema,
		Subject:    req.Subject,
		Type:       req.Type,
		Object:     req.Object,
		Info:       req.Info,
		RequestKey: req.RequestKey,
		Via:        req.Via,
		Roles:      req.Roles,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(eventResponse{Fired: fired})
	s.observe(true)
}

type attemptItem struct {
	ID         string `json:"id"`
	EventID    string `json:"event_id"`
	Rule       string `json:"rule"`
	Target     string `json:"target"`
	StatusCode int    `json:"status_code,omitempty"`
	Result     string `json:"result"`
	Error      string `json:"error,omitempty"`
	Outcome    string `json:"outcome"`
	CreatedAt  string `json:"created_at"`
}

type attemptsResponse struct {
	Attempts []attemptItem `json:"attempts"`
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, codeHistoryOff, "attempt history is not configured")
		return
	}

	req := history.ListRequest{
		Rule:    r.URL.Query().Get("rule"),
		Target:  r.URL.Query().Get("target"),
		EventID: r.URL.Query().Get("event_id"),
	}
	if raw := r.URL.Query().Get("outcome"); raw != "" {
		switch history.Outcome(raw) {
		case history.OutcomeDelivered, history.OutcomeFailed:
			req.Outcome = history.Outcome(raw)
		default:
			writeError(w, http.StatusBadRequest, codeInvalidQuery, "outcome must be delivered or failed")
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, "limit must be a non-negative integer")
			return
		}
		req.Limit = n
	}
	if raw := r.URL.Query().Get("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, "before must be an RFC 3339 timestamp")
			return
		}
		req.Before = ts
	}

	resp, err := s.Store.List(req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, codeHistoryOff, "attempt history query failed")
		return
	}

	out := attemptsResponse{Attempts: make([]attemptItem, 0, len(resp.Items))}
	for _, at := range resp.Items {
		out.Attempts = append(out.Attempts, attemptItem{
			ID:         at.ID,
			EventID:    at.EventID,
			Rule:       at.Rule,
			Target:     at.Target,
			StatusCode: at.StatusCode,
			Result:     at.Result,
			Error:      at.Error,
			Outcome:    string(at.Outcome),
			CreatedAt:  at.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

type attemptStatsResponse struct {
	Total     int `json:"total"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func (s *Server) handleAttemptStats(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, codeHistoryOff, "attempt history is not configured")
		return
	}
	stats, err := s.Store.Stats()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, codeHistoryOff, "attempt history query failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(attemptStatsResponse{
		Total:     stats.Total,
		Delivered: stats.Delivered,
		Failed:    stats.Failed,
	})
}

func (s *Server) observe(accepted bool) {
	if s.ObserveResult != nil {
		s.ObserveResult(accepted)
	}
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Detail: detail})
}

func writeMethodNotAllowed(w http.ResponseWriter, expected string) {
	w.Header().Set("Allow", expected)
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, fmt.Sprintf("method must be %s", expected))
}
