package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/plurapp/ai-engine/internal/apperr"
	"github.com/plurapp/ai-engine/internal/domain/job"
	"github.com/plurapp/ai-engine/internal/queue"
)

func (h *harness) dispatch(t *testing.T, id string) {
	t.Helper()
	if err := h.disp.Handle(context.Background(), queue.Event{JobID: id}); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestDispatchRunsJobToSuccess(t *testing.T) {
	h := newHarness(t, 100)
	j := h.submitSummary(t)
	h.dispatch(t, j.ID)

	got, err := h.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusSucceeded {
		t.Fatalf("status = %s, error = %+v", got.Status, got.Error)
	}
	if got.Result == nil || got.Result.Summary != "generated" {
		t.Fatalf("result = %+v", got.Result)
	}
	if got.CompletedAt == nil || got.Duration < 0 {
		t.Fatalf("timing not recorded: %+v", got)
	}
	if got.Metadata.Provider != "llm" || got.Metadata.Model != "test-llm" {
		t.Fatalf("provenance = %+v", got.Metadata)
	}
	if got.Progress.Percent != 100 {
		t.Fatalf("progress = %+v", got.Progress)
	}
	// Successful work keeps its charge.
	if b := h.balance(t); b != 100-costSummary {
		t.Fatalf("balance = %d", b)
	}
}

func TestDuplicateDeliveryRunsOnce(t *testing.T) {
	h := newHarness(t, 100)
	j := h.submitSummary(t)

	h.dispatch(t, j.ID)
	h.dispatch(t, j.ID) // duplicate

	if calls := h.text.count(); calls != 1 {
		t.Fatalf("provider called %d times, want 1", calls)
	}
	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusSucceeded {
		t.Fatalf("status = %s", got.Status)
	}
	if b := h.balance(t); b != 100-costSummary {
		t.Fatalf("balance = %d after duplicate delivery", b)
	}
}

func TestFailedJobIsRefunded(t *testing.T) {
	h := newHarness(t, 100)
	h.text.failures = 10
	j := h.submitSummary(t)

	if b := h.balance(t); b != 100-costSummary {
		t.Fatalf("balance after charge = %d", b)
	}
	h.dispatch(t, j.ID)

	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Error == nil || !strings.Contains(got.Error.Message, "upstream timeout") {
		t.Fatalf("error = %+v", got.Error)
	}
	if b := h.balance(t); b != 100 {
		t.Fatalf("balance = %d, want full refund", b)
	}

	txs, err := h.credits.Transactions(context.Background(), h.account, 10)
	if err != nil {
		t.Fatal(err)
	}
	var refunds int
	for _, tx := range txs {
		if strings.HasPrefix(tx.Description, "REFUND: ") && strings.Contains(tx.Description, j.ID) {
			refunds++
		}
	}
	if refunds != 1 {
		t.Fatalf("found %d refund transactions for job, want 1", refunds)
	}
}

func TestCancelQueuedJobSkipsExecution(t *testing.T) {
	h := newHarness(t, 100)
	j := h.submitSummary(t)

	cancelled, ok, err := h.svc.Cancel(context.Background(), "user-1", j.ID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if cancelled.Status != job.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	// The stale event arrives; the claim must lose.
	h.dispatch(t, j.ID)
	if calls := h.text.count(); calls != 0 {
		t.Fatalf("provider called %d times for a cancelled job", calls)
	}
	// Cancellation never refunds.
	if b := h.balance(t); b != 100-costSummary {
		t.Fatalf("balance = %d", b)
	}
}

func TestCancelMidRunStopsAtCheckpoint(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	p, err := h.store.CreatePersona(ctx, personaFixture())
	if err != nil {
		t.Fatal(err)
	}
	refURL := seedObject(t, h)

	j, err := h.svc.Submit(ctx, SubmitRequest{
		OwnerID:   "user-1",
		AccountID: h.account,
		Type:      job.TypeRitual,
		Params:    job.Params{PersonaID: p.ID, ReferenceImageURLs: []string{refURL}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Cancellation lands while the analysis call is in flight; the next
	// checkpoint must observe it before the image render.
	h.text.onCall = func(context.Context) {
		if _, _, err := h.store.CancelJob(ctx, j.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}

	h.dispatch(t, j.ID)

	got, _ := h.store.GetJob(ctx, j.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("cancellation timing not recorded")
	}
	if calls := h.image.count(); calls != 0 {
		t.Fatalf("image provider called %d times after cancellation", calls)
	}
	if b := h.balance(t); b != 100-costRitual {
		t.Fatalf("balance = %d, cancellation must not refund", b)
	}
}

func TestCancelTerminalJobReportsNotOK(t *testing.T) {
	h := newHarness(t, 100)
	j := h.submitSummary(t)
	h.dispatch(t, j.ID)

	got, ok, err := h.svc.Cancel(context.Background(), "user-1", j.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatal("cancel of a terminal job reported ok")
	}
	if got.Status != job.StatusSucceeded {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCancelForeignJobDenied(t *testing.T) {
	h := newHarness(t, 100)
	j := h.submitSummary(t)

	_, _, err := h.svc.Cancel(context.Background(), "user-2", j.ID)
	if apperr.CodeOf(err) != apperr.CodePermissionDenied {
		t.Fatalf("err = %v", err)
	}
}

func TestRetryAfterFailureSucceeds(t *testing.T) {
	h := newHarness(t, 100)
	h.text.failures = 1 // first execution fails, the retry works
	j := h.submitSummary(t)
	h.dispatch(t, j.ID)

	failed, _ := h.store.GetJob(context.Background(), j.ID)
	if failed.Status != job.StatusFailed {
		t.Fatalf("status = %s", failed.Status)
	}
	if b := h.balance(t); b != 100 {
		t.Fatalf("balance after refund = %d", b)
	}

	requeued, err := h.svc.Retry(context.Background(), "user-1", j.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if requeued.Status != job.StatusQueued || requeued.Metadata.Attempts != 1 {
		t.Fatalf("requeued = %+v", requeued.Metadata)
	}
	if requeued.Error != nil || requeued.Result != nil {
		t.Fatal("retry did not clear previous outcome")
	}
	// The retry is billed again.
	if b := h.balance(t); b != 100-costSummary {
		t.Fatalf("balance after retry charge = %d", b)
	}

	evt, ok := h.bus.TryReceive()
	if !ok {
		t.Fatal("submit event missing")
	}
	evt2, ok := h.bus.TryReceive()
	if !ok || evt2.JobID != j.ID {
		t.Fatalf("retry event = %+v, ok %v", evt2, ok)
	}
	_ = evt

	h.dispatch(t, j.ID)
	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusSucceeded {
		t.Fatalf("status after retry = %s, error %+v", got.Status, got.Error)
	}
}

func TestRetryBoundedByMaxAttempts(t *testing.T) {
	h := newHarness(t, 1000)
	h.text.failures = 100 // never recovers
	j := h.submitSummary(t)

	// The initial run plus three retries exhaust the bound.
	h.dispatch(t, j.ID)
	for i := 0; i < 3; i++ {
		if _, err := h.svc.Retry(context.Background(), "user-1", j.ID); err != nil {
			t.Fatalf("retry %d: %v", i+1, err)
		}
		h.dispatch(t, j.ID)
	}

	_, err := h.svc.Retry(context.Background(), "user-1", j.ID)
	if apperr.CodeOf(err) != apperr.CodeResourceExhausted || !strings.Contains(err.Error(), "attempt limit") {
		t.Fatalf("err = %v", err)
	}
	// Every failed attempt was refunded, so the wallet is whole.
	if b := h.balance(t); b != 1000 {
		t.Fatalf("balance = %d", b)
	}
}

func TestRetryRequiresTerminalFailure(t *testing.T) {
	h := newHarness(t, 100)
	j := h.submitSummary(t)

	_, err := h.svc.Retry(context.Background(), "user-1", j.ID)
	if apperr.CodeOf(err) != apperr.CodeFailedPrecondition {
		t.Fatalf("err = %v", err)
	}
	// The failed guard must not leave a charge behind.
	if b := h.balance(t); b != 100-costSummary {
		t.Fatalf("balance = %d", b)
	}
}

func TestMonitorSignalsCancellation(t *testing.T) {
	h := newHarness(t, 100)
	j := h.submitSummary(t)
	monitor := NewMonitor(h.store, nil)
	check := monitor.CheckFor(j.ID)

	if err := check(context.Background()); err != nil {
		t.Fatalf("check before cancel: %v", err)
	}
	if _, _, err := h.store.CancelJob(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	if err := check(context.Background()); !errors.Is(err, apperr.ErrJobCancelled) {
		t.Fatalf("check after cancel = %v", err)
	}
}
