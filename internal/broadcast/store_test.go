package broadcast

import (
	"sync"
	"testing"
	"time"
)

func TestNewStoreOrderAndDuplicates(t *testing.T) {
	t.Parallel()
	st := NewStore("run", []string{"a", "b", "a"})
	recs := st.Snapshot()
	if len(recs) != 3 {
		t.Fatalf("len = %d", len(recs))
	}
	seen := map[string]bool{}
	for i, want := range []string{"a", "b", "a"} {
		r := recs[i]
		if r.Recipient != want || r.SendState != SendPending || r.DeliveryState != DeliveryPending || r.ReadState != ReadPending || r.AttemptCount != 0 {
			t.Fatalf("record %d = %+v", i, r)
		}
		if seen[r.ID] {
			t.Fatalf("duplicate record id %s", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestUpsertStampsUpdatedAt(t *testing.T) {
	t.Parallel()
	st := NewStore("run", []string{"a"})
	id := st.Snapshot()[0].ID
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return fixed }

	if !st.UpsertByRecordID(id, Patch{SendState: ptr(SendAttempting), AttemptCount: ptr(1)}) {
		t.Fatalf("upsert rejected")
	}
	got, _ := st.Get(id)
	if got.SendState != SendAttempting || got.AttemptCount != 1 || !got.UpdatedAt.Equal(fixed) {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestUpsertUnknownIDs(t *testing.T) {
	t.Parallel()
	st := NewStore("run", []string{"a"})
	if st.UpsertByRecordID("nope", Patch{SendState: ptr(SendFailed)}) {
		t.Fatalf("unknown record id accepted")
	}
	if st.UpsertByProviderMessageID("wamid.unknown", Patch{DeliveryState: ptr(DeliveryDelivered)}) {
		t.Fatalf("unknown provider id accepted")
	}
	if st.Snapshot()[0].DeliveryState != DeliveryPending {
		t.Fatalf("unmatched receipt mutated a record")
	}
}

func TestReceiptsRequireSent(t *testing.T) {
	t.Parallel()
	st := NewStore("run", []string{"a"})
	id := st.Snapshot()[0].ID

	st.UpsertByRecordID(id, Patch{DeliveryState: ptr(DeliveryDelivered), ReadState: ptr(ReadRead)})
	if r, _ := st.Get(id); r.DeliveryState != DeliveryPending || r.ReadState != ReadPending {
		t.Fatalf("receipt applied before sent: %+v", r)
	}

	// sent without a provider id is refused
	st.UpsertByRecordID(id, Patch{SendState: ptr(SendSent)})
	if r, _ := st.Get(id); r.SendState == SendSent {
		t.Fatalf("sent accepted without provider id")
	}

	st.UpsertByRecordID(id, Patch{SendState: ptr(SendSent), ProviderMessageID: ptr("wamid.1")})
	if !st.UpsertByProviderMessageID("wamid.1", Patch{DeliveryState: ptr(DeliveryDelivered)}) {
		t.Fatalf("receipt rejected")
	}
	st.UpsertByProviderMessageID("wamid.1", Patch{ReadState: ptr(ReadRead)})
	r, _ := st.Get(id)
	if r.DeliveryState != DeliveryDelivered || r.ReadState != ReadRead || r.ProviderMessageID != "wamid.1" {
		t.Fatalf("unexpected record %+v", r)
	}

	// no regressions
	st.UpsertByProviderMessageID("wamid.1", Patch{DeliveryState: ptr(DeliveryPending), SendState: ptr(SendRetrying)})
	if r, _ := st.Get(id); r.DeliveryState != DeliveryDelivered || r.SendState != SendSent {
		t.Fatalf("record regressed: %+v", r)
	}
}

func TestAttemptCountMonotonic(t *testing.T) {
	t.Parallel()
	st := NewStore("run", []string{"a"})
	id := st.Snapshot()[0].ID
	st.UpsertByRecordID(id, Patch{AttemptCount: ptr(2)})
	st.UpsertByRecordID(id, Patch{AttemptCount: ptr(1)})
	if r, _ := st.Get(id); r.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", r.AttemptCount)
	}
}

func TestTerminalSendStateIsFinal(t *testing.T) {
	t.Parallel()
	st := NewStore("run", []string{"a"})
	id := st.Snapshot()[0].ID
	st.UpsertByRecordID(id, Patch{SendState: ptr(SendFailed), LastError: ptr("boom")})
	st.UpsertByRecordID(id, Patch{SendState: ptr(SendAttempting)})
	if r, _ := st.Get(id); r.SendState != SendFailed || r.LastError != "boom" {
		t.Fatalf("terminal state changed: %+v", r)
	}
}

func TestCancelSweepsAndFreezes(t *testing.T) {
	t.Parallel()
	st := NewStore("run", []string{"a", "b", "c", "d", "e"})
	recs := st.Snapshot()
	st.UpsertByRecordID(recs[0].ID, Patch{SendState: ptr(SendSent), ProviderMessageID: ptr("wamid.0")})
	st.UpsertByRecordID(recs[1].ID, Patch{SendState: ptr(SendAttempting)})
	st.UpsertByRecordID(recs[2].ID, Patch{SendState: ptr(SendRetrying), LastError: ptr("x")})
	st.UpsertByRecordID(recs[3].ID, Patch{SendState: ptr(SendFailed), LastError: ptr("y")})
	st.MarkProcessed()

	var observed []Record
	var mu sync.Mutex
	st.SetObserver(func(r Record) {
		mu.Lock()
		observed = append(observed, r)
		mu.Unlock()
	})

	if !st.Cancel(CancelReason) {
		t.Fatalf("first cancel should succeed")
	}
	if st.Cancel(CancelReason) {
		t.Fatalf("second cancel should be a no-op")
	}

	got := st.Snapshot()
	want := []SendState{SendSent, SendFailed, SendFailed, SendFailed, SendFailed}
	for i, w := range want {
		if got[i].SendState != w {
			t.Fatalf("record %d: state %s, want %s", i, got[i].SendState, w)
		}
	}
	for _, i := range []int{1, 2, 4} {
		if got[i].LastError != CancelReason {
			t.Fatalf("record %d: last error %q", i, got[i].LastError)
		}
	}
	if got[3].LastError != "y" {
		t.Fatalf("already-failed record should keep its error, got %q", got[3].LastError)
	}
	mu.Lock()
	if len(observed) != 3 {
		t.Fatalf("observer saw %d records, want 3", len(observed))
	}
	mu.Unlock()

	// frozen
	if st.UpsertByRecordID(recs[4].ID, Patch{SendState: ptr(SendAttempting)}) {
		t.Fatalf("mutation accepted after cancel")
	}
	if st.UpsertByProviderMessageID("wamid.0", Patch{DeliveryState: ptr(DeliveryDelivered)}) {
		t.Fatalf("receipt accepted after cancel")
	}
	if _, ok := st.MarkProcessed(); ok {
		t.Fatalf("progress advanced after cancel")
	}
	sum := st.Summary()
	if sum.Status != StatusCancelled || sum.Processed != 1 || sum.FinishedAt.IsZero() {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if st.Finish() != StatusCancelled {
		t.Fatalf("finish must not override cancelled")
	}
}

func TestMarkProcessedProgress(t *testing.T) {
	t.Parallel()
	st := NewStore("run", []string{"a", "b", "c", "d"})
	for i := 1; i <= 4; i++ {
		ev, ok := st.MarkProcessed()
		if !ok || ev.Processed != i || ev.Progress != float64(i)*25 {
			t.Fatalf("step %d: %+v ok=%v", i, ev, ok)
		}
	}
	if st.Finish() != StatusCompleted {
		t.Fatalf("expected completed")
	}
	if _, ok := st.MarkProcessed(); ok {
		t.Fatalf("progress advanced after completion")
	}
}

func TestStoreConcurrentWriters(t *testing.T) {
	t.Parallel()
	n := 50
	to := make([]string, n)
	for i := range to {
		to[i] = "r"
	}
	st := NewStore("run", to)
	recs := st.Snapshot()

	var wg sync.WaitGroup
	for i, r := range recs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			st.UpsertByRecordID(id, Patch{SendState: ptr(SendAttempting), AttemptCount: ptr(1)})
			st.UpsertByRecordID(id, Patch{SendState: ptr(SendSent), ProviderMessageID: ptr("wamid." + id)})
			st.UpsertByProviderMessageID("wamid."+id, Patch{DeliveryState: ptr(DeliveryDelivered)})
			st.MarkProcessed()
			_ = st.View()
		}(i, r.ID)
	}
	wg.Wait()

	sum := st.Summary()
	if sum.Counts.Sent != n || sum.Counts.Delivered != n || sum.Processed != n || sum.Progress != 100 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}
