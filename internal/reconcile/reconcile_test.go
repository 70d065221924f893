package reconcile

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/plurapp/ai-engine/internal/domain/job"
	domledger "github.com/plurapp/ai-engine/internal/domain/ledger"
	"github.com/plurapp/ai-engine/internal/ledger"
	"github.com/plurapp/ai-engine/internal/queue"
	"github.com/plurapp/ai-engine/internal/storage/memory"
)

func seedFailedJob(t *testing.T, store *memory.Store, credits *ledger.Service, refunded bool) (job.Job, string) {
	t.Helper()
	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, domledger.Account{OwnerID: "user-1", Credits: 100})
	if err != nil {
		t.Fatal(err)
	}

	j, err := store.CreateJob(ctx, job.Job{
		OwnerID:   "user-1",
		AccountID: acct.ID,
		Type:      job.TypeSummary,
		Status:    job.StatusQueued,
		Metadata:  job.Metadata{CostEstimate: 5, MaxAttempts: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := credits.Charge(ctx, acct.ID, 5, "job "+j.ID+" (summary)"); err != nil {
		t.Fatal(err)
	}
	if refunded {
		if err := credits.Refund(ctx, acct.ID, 5, "job "+j.ID+" (summary)"); err != nil {
			t.Fatal(err)
		}
	}

	// Walk the job to failed through the state graph.
	if _, ok, err := store.ClaimJob(ctx, j.ID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	j, err = store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	j.Status = job.StatusFailed
	if j, err = store.UpdateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	return j, acct.ID
}

func TestSweepRefundsSettlesMissingRefund(t *testing.T) {
	store := memory.New()
	credits := ledger.New(store, nil)
	bus := queue.NewMemory()
	r := New(store, credits, bus, time.Nanosecond, nil)
	ctx := context.Background()

	j, acctID := seedFailedJob(t, store, credits, false)
	time.Sleep(5 * time.Millisecond) // age the failure past the grace window

	if err := r.SweepRefunds(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	balance, err := credits.Balance(ctx, acctID)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 100 {
		t.Fatalf("balance = %d, want the charge restored", balance)
	}

	txs, err := credits.Transactions(ctx, acctID, 10)
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
		t.Fatalf("refunds = %d, want 1", refunds)
	}

	// A second sweep must not refund again.
	if err := r.SweepRefunds(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	balance, _ = credits.Balance(ctx, acctID)
	if balance != 100 {
		t.Fatalf("balance after second sweep = %d", balance)
	}
}

func TestSweepRefundsLeavesSettledJobsAlone(t *testing.T) {
	store := memory.New()
	credits := ledger.New(store, nil)
	r := New(store, credits, queue.NewMemory(), time.Nanosecond, nil)
	ctx := context.Background()

	_, acctID := seedFailedJob(t, store, credits, true)
	time.Sleep(5 * time.Millisecond)

	if err := r.SweepRefunds(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	balance, _ := credits.Balance(ctx, acctID)
	if balance != 100 {
		t.Fatalf("balance = %d, settled job was touched", balance)
	}
}

func TestSweepRefundsSkipsRecentlyFailedJobs(t *testing.T) {
	store := memory.New()
	credits := ledger.New(store, nil)
	r := New(store, credits, queue.NewMemory(), time.Hour, nil)
	ctx := context.Background()

	// The job just failed; its dispatcher may still be issuing the refund.
	_, acctID := seedFailedJob(t, store, credits, false)

	if err := r.SweepRefunds(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	balance, _ := credits.Balance(ctx, acctID)
	if balance != 95 {
		t.Fatalf("balance = %d, sweep refunded inside the grace window", balance)
	}
}

func TestConcurrentSweepsRefundOnce(t *testing.T) {
	store := memory.New()
	credits := ledger.New(store, nil)
	r := New(store, credits, queue.NewMemory(), time.Nanosecond, nil)
	ctx := context.Background()

	j, acctID := seedFailedJob(t, store, credits, false)
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.SweepRefunds(ctx); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
	}
	wg.Wait()

	balance, _ := credits.Balance(ctx, acctID)
	if balance != 100 {
		t.Fatalf("balance = %d, overlapping sweeps refunded more than the deficit", balance)
	}
	txs, err := credits.Transactions(ctx, acctID, 20)
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
		t.Fatalf("refunds = %d, want 1", refunds)
	}
}

func TestSweepStaleQueuedRepublishes(t *testing.T) {
	store := memory.New()
	credits := ledger.New(store, nil)
	bus := queue.NewMemory()
	r := New(store, credits, bus, time.Nanosecond, nil)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, job.Job{
		OwnerID: "user-1",
		Type:    job.TypeChat,
		Status:  job.StatusQueued,
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := r.SweepStaleQueued(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	evt, ok := bus.TryReceive()
	if !ok || evt.JobID != j.ID {
		t.Fatalf("event = %+v, ok %v", evt, ok)
	}
}

func TestSweepStaleQueuedSkipsFreshJobs(t *testing.T) {
	store := memory.New()
	credits := ledger.New(store, nil)
	bus := queue.NewMemory()
	r := New(store, credits, bus, time.Hour, nil)
	ctx := context.Background()

	if _, err := store.CreateJob(ctx, job.Job{
		OwnerID: "user-1",
		Type:    job.TypeChat,
		Status:  job.StatusQueued,
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.SweepStaleQueued(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, ok := bus.TryReceive(); ok {
		t.Fatal("fresh job was re-published")
	}
}
