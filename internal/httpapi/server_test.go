package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plurapp/ai-engine/internal/domain/job"
	domledger "github.com/plurapp/ai-engine/internal/domain/ledger"
	"github.com/plurapp/ai-engine/internal/jobs"
	"github.com/plurapp/ai-engine/internal/ledger"
	"github.com/plurapp/ai-engine/internal/middleware"
	"github.com/plurapp/ai-engine/internal/queue"
	"github.com/plurapp/ai-engine/internal/ratelimit"
	"github.com/plurapp/ai-engine/internal/storage/memory"
)

const testSecret = "test-secret"

type apiHarness struct {
	handler http.Handler
	server  *Server
	store   *memory.Store
	bus     *queue.Memory
	account string
	token   string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	store := memory.New()
	bus := queue.NewMemory()
	credits := ledger.New(store, nil)
	svc := jobs.NewService(store, credits, ratelimit.New(store, nil), bus,
		jobs.Limits{MaxActiveJobs: 3, MaxAttempts: 3}, nil)

	acct, err := store.CreateAccount(context.Background(), domledger.Account{OwnerID: "user-1", Credits: 100})
	if err != nil {
		t.Fatal(err)
	}
	token, err := middleware.SignToken(testSecret, "user-1", acct.ID, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	auth := middleware.NewAuth(testSecret, nil, []string{"/healthz", "/metrics"})
	server := New(svc, credits, nil)

	return &apiHarness{
		handler: auth.Handler(server.Routes()),
		server:  server,
		store:   store,
		bus:     bus,
		account: acct.ID,
		token:   token,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+h.token)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) job.Job {
	t.Helper()
	var j job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatalf("decode job: %v (%s)", err, rec.Body.String())
	}
	return j
}

func TestSubmitEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"type": "summary",
		"params": map[string]any{
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	j := decodeJob(t, rec)
	if j.Status != job.StatusQueued || j.OwnerID != "user-1" {
		t.Fatalf("job = %+v", j)
	}
	if _, ok := h.bus.TryReceive(); !ok {
		t.Fatal("no event enqueued")
	}

	// The charge shows on the balance endpoint.
	rec = h.do(t, http.MethodGet, "/v1/accounts/"+h.account+"/balance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	var bal struct {
		Credits int64 `json:"credits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bal); err != nil {
		t.Fatal(err)
	}
	if bal.Credits != 95 {
		t.Fatalf("credits = %d", bal.Credits)
	}
}

func TestSubmitValidationError(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{"type": "ritual", "params": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "invalid-argument" {
		t.Fatalf("error code = %s", body.Error.Code)
	}
}

func TestGetAndListEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"type":   "chat",
		"params": map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}},
	})
	created := decodeJob(t, rec)

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decodeJob(t, rec); got.ID != created.ID {
		t.Fatalf("got job %s", got.ID)
	}

	rec = h.do(t, http.MethodGet, "/v1/jobs?status=queued", nil)
	var list struct {
		Jobs []job.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Jobs) != 1 {
		t.Fatalf("listed %d jobs", len(list.Jobs))
	}

	rec = h.do(t, http.MethodGet, "/v1/jobs/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", rec.Code)
	}
}

func TestCancelEndpointReportsTerminalState(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"type":   "chat",
		"params": map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}},
	})
	created := decodeJob(t, rec)

	rec = h.do(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/cancel", created.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	var resp struct {
		Success bool    `json:"success"`
		Job     job.Job `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Job.Status != job.StatusCancelled {
		t.Fatalf("resp = %+v", resp)
	}

	// A second cancel is not an error, it reports success=false.
	rec = h.do(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/cancel", created.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second cancel status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Fatal("second cancel reported success")
	}
}

func TestDepositAndTransactions(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/accounts/"+h.account+"/deposit", map[string]any{
		"amount": 50, "description": "credit pack",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit status = %d, body %s", rec.Code, rec.Body.String())
	}
	var bal struct {
		Credits int64 `json:"credits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bal); err != nil {
		t.Fatal(err)
	}
	if bal.Credits != 150 {
		t.Fatalf("credits = %d", bal.Credits)
	}

	rec = h.do(t, http.MethodGet, "/v1/accounts/"+h.account+"/transactions", nil)
	var txs struct {
		Transactions []domledger.Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &txs); err != nil {
		t.Fatal(err)
	}
	if len(txs.Transactions) != 1 || txs.Transactions[0].Type != domledger.TransactionDeposit {
		t.Fatalf("transactions = %+v", txs.Transactions)
	}
}

func TestWatchEndpointStreamsToCompletion(t *testing.T) {
	h := newAPIHarness(t)
	h.server.watchInterval = 10 * time.Millisecond

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"type":   "chat",
		"params": map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}},
	})
	created := decodeJob(t, rec)

	srv := httptest.NewServer(h.handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/jobs/" + created.ID + "/watch"
	header := http.Header{"Authorization": {"Bearer " + h.token}}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first job.Job
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if first.ID != created.ID || first.Status != job.StatusQueued {
		t.Fatalf("first frame = %+v", first)
	}

	// The job runs to completion while the stream is open.
	ctx := context.Background()
	if _, ok, err := h.store.ClaimJob(ctx, created.ID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	current, err := h.store.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	current.Status = job.StatusSucceeded
	if _, err := h.store.UpdateJob(ctx, current); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame job.Job
	for {
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("stream ended before the terminal frame: %v", err)
		}
		if frame.Status == job.StatusSucceeded {
			break
		}
	}

	// After the terminal frame the server closes the stream cleanly.
	if err := conn.ReadJSON(&frame); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestWatchEndpointRejectsUnknownJob(t *testing.T) {
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/jobs/does-not-exist/watch"
	header := http.Header{"Authorization": {"Bearer " + h.token}}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("handshake succeeded for a missing job")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestAccountEndpointsDenyForeignAccounts(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/accounts/someone-else/balance", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthAndAuth(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	// Protected routes need a token.
	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}
}
