package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/assmoddevv/ouroboros/internal/breaker"
	"github.com/assmoddevv/ouroboros/internal/budget"
	"github.com/assmoddevv/ouroboros/internal/eventbus"
	"github.com/assmoddevv/ouroboros/internal/loop"
	"github.com/assmoddevv/ouroboros/internal/queue"
	"github.com/assmoddevv/ouroboros/internal/schema"
	"github.com/assmoddevv/ouroboros/internal/supervisor"
)

// Self-initiated work is refused at intake while the system is unhealthy.
// Operator tasks are never refused; they queue and wait.
var (
	ErrIntakePaused  = errors.New("self-initiated intake is paused")
	ErrBudgetRefused = errors.New("spend is past the budget threshold, self-initiated intake refused")
)

// SignalControl resolves the merged control signal for a worker heartbeat
// and toggles the self-initiated work stream.
type SignalControl interface {
	WorkerSignals(ctx context.Context, taskID string, generation int) loop.Signal
	SetEvolve(enabled bool)
	EvolveEnabled() bool
}

type Server struct {
	Queue        *queue.Queue
	Bus          *eventbus.Bus
	Ledger       *budget.Ledger
	Breaker      *breaker.Breaker
	Workers      *supervisor.Supervisor
	Signals      SignalControl
	Restart      func() error
	RestartToken string
	StartedAt    time.Time
	Log          *zap.Logger
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskItem)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/streams/", s.handleStreams)
	mux.HandleFunc("/api/budget", s.handleBudget)
	mux.HandleFunc("/api/budget/refund", s.handleBudgetRefund)
	mux.HandleFunc("/api/evolve", s.handleEvolve)
	mux.HandleFunc("/api/evolve/stop", s.handleEvolveStop)
	mux.HandleFunc("/api/breaker", s.handleBreaker)
	mux.HandleFunc("/api/breaker/resume", s.handleBreakerResume)
	mux.HandleFunc("/api/panic", s.handlePanic)
	mux.HandleFunc("/api/worker/heartbeat", s.handleWorkerHeartbeat)
	mux.HandleFunc("/api/admin/restart", s.handleRestart)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	counts, err := s.Queue.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	budgetSnap, err := s.Ledger.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	breakerSnap, err := s.Breaker.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"started_at": s.StartedAt,
		"uptime":     time.Since(s.StartedAt).String(),
		"tasks":      counts,
		"budget":     budgetSnap,
		"breaker":    breakerSnap,
		"workers":    s.Workers.Handles(),
		"evolve":     s.Signals.EvolveEnabled(),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 100)
		items, err := s.Queue.List(r.Context(), queue.ListFilter{
			Status:   queue.Status(r.URL.Query().Get("status")),
			Kind:     r.URL.Query().Get("kind"),
			ParentID: r.URL.Query().Get("parent"),
			Limit:    limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var payload struct {
			Kind            string         `json:"kind"`
			Priority        string         `json:"priority"`
			Instruction     string         `json:"instruction"`
			Payload         map[string]any `json:"payload"`
			ParentID        string         `json:"parent_id"`
			DeadlineSeconds int            `json:"deadline_seconds"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if schema.SelfInitiated(payload.Kind) {
			if paused, err := s.Breaker.Paused(r.Context()); err == nil && paused {
				writeError(w, http.StatusConflict, ErrIntakePaused)
				return
			}
			if past, err := s.Ledger.PastThreshold(r.Context()); err == nil && past {
				writeError(w, http.StatusConflict, ErrBudgetRefused)
				return
			}
		}
		spec := queue.Spec{
			Kind:        payload.Kind,
			Priority:    schema.ParsePriority(payload.Priority),
			Instruction: payload.Instruction,
			Payload:     payload.Payload,
			ParentID:    payload.ParentID,
		}
		if payload.DeadlineSeconds > 0 {
			deadline := time.Now().Add(time.Duration(payload.DeadlineSeconds) * time.Second)
			spec.Deadline = &deadline
		}
		task, err := s.Queue.Enqueue(r.Context(), spec)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}
	taskID := segments[0]
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			task, err := s.Queue.Get(r.Context(), taskID)
			if err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeJSON(w, http.StatusOK, task)
		case http.MethodDelete:
			s.cancelTask(w, r, taskID, "cancelled by operator")
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	action := segments[1]
	switch action {
	case "updates":
		s.handleTaskUpdates(w, r, taskID)
	case "cancel":
		s.handleTaskCancel(w, r, taskID)
	case "wait":
		s.handleTaskWait(w, r, taskID)
	case "children":
		s.handleTaskChildren(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("task action"))
	}
}

func (s *Server) handleTaskUpdates(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 200)
		updates, err := s.Queue.ListUpdates(r.Context(), taskID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, updates)
	case http.MethodPost:
		var payload struct {
			Kind    string         `json:"kind"`
			Payload map[string]any `json:"payload"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		update, err := s.Queue.RecordUpdate(r.Context(), taskID, payload.Kind, payload.Payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, update)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r.Body, &payload)
	if payload.Reason == "" {
		payload.Reason = "cancelled by operator"
	}
	s.cancelTask(w, r, taskID, payload.Reason)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID, reason string) {
	cancelled, err := s.Queue.Cancel(r.Context(), taskID, reason)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, queue.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	for _, id := range cancelled {
		s.Workers.Release(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *Server) handleTaskWait(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	timeout := time.Duration(parseInt(r.URL.Query().Get("timeout_seconds"), 30)) * time.Second
	task, err := s.Queue.WaitForTask(r.Context(), taskID, timeout)
	if errors.Is(err, queue.ErrWaitTimeout) {
		writeJSON(w, http.StatusOK, map[string]any{"pending": true, "task": task})
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": false, "task": task})
}

func (s *Server) handleTaskChildren(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	items, err := s.Queue.List(r.Context(), queue.ListFilter{ParentID: taskID, Limit: parseInt(r.URL.Query().Get("limit"), 100)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Kind     string         `json:"kind"`
		TaskID   string         `json:"task_id"`
		Subject  string         `json:"subject"`
		Body     string         `json:"body"`
		Metadata map[string]any `json:"metadata"`
		Payload  map[string]any `json:"payload"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind, ok := schema.ParseKind(payload.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, errNotFound("event kind "+payload.Kind))
		return
	}
	evt, err := s.Bus.Push(r.Context(), eventbus.EventInput{
		Kind:     kind,
		TaskID:   payload.TaskID,
		Subject:  payload.Subject,
		Body:     payload.Body,
		Metadata: payload.Metadata,
		Payload:  payload.Payload,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, evt)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("stream"))
		return
	}
	stream := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		items, err := s.Bus.List(r.Context(), stream, eventbus.ListOptions{
			Reader: r.URL.Query().Get("reader"),
			TaskID: r.URL.Query().Get("task"),
			Unread: r.URL.Query().Get("unread") == "true",
			Limit:  parseInt(r.URL.Query().Get("limit"), 50),
			Order:  r.URL.Query().Get("order"),
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}
	action := segments[1]
	switch action {
	case "read":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var payload struct {
			IDs    []string `json:"ids"`
			Reader string   `json:"reader"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		events, err := s.Bus.Read(r.Context(), stream, payload.IDs, payload.Reader)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	case "ack":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var payload struct {
			IDs    []string `json:"ids"`
			Reader string   `json:"reader"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.Bus.Ack(r.Context(), stream, payload.IDs, payload.Reader); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, errNotFound("stream action"))
	}
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	snap, err := s.Ledger.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleBudgetRefund returns spend recorded against a task, for work whose
// result was discarded before it landed. Refunds are event-logged so the
// ledger history stays auditable.
func (s *Server) handleBudgetRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		TaskID    string  `json:"task_id"`
		AmountUSD float64 `json:"amount_usd"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	total, err := s.Ledger.Refund(r.Context(), payload.TaskID, payload.AmountUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	_, err = s.Bus.Push(r.Context(), eventbus.EventInput{
		Kind:   schema.KindBudgetAlert,
		TaskID: payload.TaskID,
		Body:   "refunded $" + strconv.FormatFloat(payload.AmountUSD, 'f', -1, 64) + " to task " + payload.TaskID,
	})
	if err != nil && s.Log != nil {
		s.Log.Error("refund event push failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"spent_usd": total})
}

func (s *Server) handleEvolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	s.Signals.SetEvolve(true)
	writeJSON(w, http.StatusOK, map[string]any{"evolve": s.Signals.EvolveEnabled()})
}

func (s *Server) handleEvolveStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	s.Signals.SetEvolve(false)
	writeJSON(w, http.StatusOK, map[string]any{"evolve": false})
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	snap, err := s.Breaker.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBreakerResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.Breaker.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handlePanic publishes an emergency stop. The dispatcher does the actual
// teardown so the kill path is the same whether it came from the API or from
// a worker.
func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r.Body, &payload)
	if payload.Reason == "" {
		payload.Reason = "emergency stop requested"
	}
	evt, err := s.Bus.Push(r.Context(), eventbus.EventInput{
		Kind: schema.KindEmergencyStop,
		Body: payload.Reason,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, evt)
}

type heartbeatResponse struct {
	Cancel bool   `json:"cancel"`
	Paused bool   `json:"paused"`
	Drain  bool   `json:"drain"`
	Budget bool   `json:"budget"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		TaskID     string `json:"task_id"`
		Generation int    `json:"generation"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sig := s.Signals.WorkerSignals(r.Context(), payload.TaskID, payload.Generation)
	writeJSON(w, http.StatusOK, heartbeatResponse{
		Cancel: sig.Cancel,
		Paused: sig.Paused,
		Drain:  sig.Drain,
		Budget: sig.Budget,
		Reason: sig.Reason,
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Restart == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("restart"))
		return
	}
	if token := s.RestartToken; token != "" {
		if r.Header.Get("X-Restart-Token") != token {
			writeError(w, http.StatusUnauthorized, errNotFound("invalid restart token"))
			return
		}
	}
	if err := s.Restart(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
