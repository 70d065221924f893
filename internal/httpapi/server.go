// Package httpapi exposes the engine over HTTP: job submission and
// lifecycle, account balance and history, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/plurapp/ai-engine/internal/apperr"
	"github.com/plurapp/ai-engine/internal/domain/job"
	"github.com/plurapp/ai-engine/internal/jobs"
	"github.com/plurapp/ai-engine/internal/ledger"
	"github.com/plurapp/ai-engine/internal/metrics"
	"github.com/plurapp/ai-engine/internal/middleware"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// defaultWatchInterval is how often a watch stream re-reads its job.
const defaultWatchInterval = 500 * time.Millisecond

// Server holds the HTTP handlers.
type Server struct {
	jobs    *jobs.Service
	credits *ledger.Service
	log     *logger.Logger

	watchInterval time.Duration
}

// New builds the API server.
func New(jobSvc *jobs.Service, credits *ledger.Service, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return &Server{
		jobs:          jobSvc,
		credits:       credits,
		log:           log,
		watchInterval: defaultWatchInterval,
	}
}

// Routes returns the router with all endpoints registered. Authentication
// and rate limiting are layered on by the caller.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/jobs", s.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/watch", s.handleWatch).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/retry", s.handleRetry).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/balance", s.handleBalance).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/transactions", s.handleTransactions).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/deposit", s.handleDeposit).Methods(http.MethodPost)

	return r
}

type submitRequest struct {
	Type   job.Type   `json:"type"`
	Params job.Params `json:"params"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Wrap(apperr.CodeInvalidArgument, "malformed request body", err))
		return
	}

	created, err := s.jobs.Submit(r.Context(), jobs.SubmitRequest{
		OwnerID:   middleware.UserID(r.Context()),
		AccountID: middleware.AccountID(r.Context()),
		Type:      req.Type,
		Params:    req.Params,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var statuses []job.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, job.Status(strings.TrimSpace(part)))
		}
	}

	list, err := s.jobs.List(r.Context(), middleware.UserID(r.Context()), statuses)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWatch upgrades to a websocket and streams the job document: one
// frame now, one for every later change, a close frame once the job
// reaches a terminal state.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserID(r.Context())
	j, err := s.jobs.Get(r.Context(), ownerID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.streamJob(r.Context(), conn, ownerID, j)
}

func (s *Server) streamJob(ctx context.Context, conn *websocket.Conn, ownerID string, last job.Job) {
	if err := conn.WriteJSON(last); err != nil {
		return
	}
	if last.Status.Terminal() {
		s.closeStream(conn, last)
		return
	}

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := s.jobs.Get(ctx, ownerID, last.ID)
			if err != nil {
				return
			}
			if current.UpdatedAt.Equal(last.UpdatedAt) {
				continue
			}
			if err := conn.WriteJSON(current); err != nil {
				return
			}
			last = current
			if current.Status.Terminal() {
				s.closeStream(conn, current)
				return
			}
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, j job.Job) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(j.Status))
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		s.log.WithError(err).WithField("job_id", j.ID).Debug("close frame not delivered")
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j, ok, err := s.jobs.Cancel(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	// ok=false means the job already reached a terminal state; callers get
	// the final document instead of an error.
	s.writeJSON(w, http.StatusOK, map[string]any{"success": ok, "job": j})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Retry(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	if err := s.authorizeAccount(r, accountID); err != nil {
		s.writeError(w, err)
		return
	}

	balance, err := s.credits.Balance(r.Context(), accountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "credits": balance})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	if err := s.authorizeAccount(r, accountID); err != nil {
		s.writeError(w, err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, apperr.New(apperr.CodeInvalidArgument, "limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	txs, err := s.credits.Transactions(r.Context(), accountID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

type depositRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	if err := s.authorizeAccount(r, accountID); err != nil {
		s.writeError(w, err)
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Wrap(apperr.CodeInvalidArgument, "malformed request body", err))
		return
	}
	if req.Description == "" {
		req.Description = "deposit"
	}

	if err := s.credits.Deposit(r.Context(), accountID, req.Amount, req.Description); err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.credits.Balance(r.Context(), accountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "credits": balance})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authorizeAccount(r *http.Request, accountID string) error {
	if middleware.AccountID(r.Context()) != accountID {
		return apperr.New(apperr.CodePermissionDenied, "account belongs to another user")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Error("writing response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		s.log.WithError(err).Error("unclassified error reached the HTTP boundary")
		e = apperr.Wrap(apperr.CodeInternal, "internal error", err)
	}
	s.writeJSON(w, apperr.HTTPStatus(e), map[string]any{"error": e})
}
