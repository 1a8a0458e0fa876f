package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store holds the records and run-level state of one run.
//
// All mutations go through a single mutex so a cancel sweep and a worker's
// transition can never interleave. Once the run is cancelled the store is
// frozen: every later mutation is rejected.
type Store struct {
	mu sync.Mutex

	runID   string
	records []Record
	byID    map[string]int
	byPID   map[string]int

	status     RunStatus
	processed  int
	createdAt  time.Time
	finishedAt time.Time

	observer func(Record)
	now      func() time.Time
}

// NewStore creates one pending record per recipient, in input order.
// Duplicate recipients get independent records.
func NewStore(runID string, recipients []string) *Store {
	now := time.Now()
	s := &Store{
		runID:     runID,
		records:   make([]Record, len(recipients)),
		byID:      make(map[string]int, len(recipients)),
		byPID:     make(map[string]int, len(recipients)),
		status:    StatusRunning,
		createdAt: now,
		now:       time.Now,
	}
	for i, to := range recipients {
		id := uuid.NewString()
		s.records[i] = Record{
			ID:            id,
			Recipient:     to,
			SendState:     SendPending,
			DeliveryState: DeliveryPending,
			ReadState:     ReadPending,
			UpdatedAt:     now,
		}
		s.byID[id] = i
	}
	return s
}

// SetObserver installs a hook called with a copy of every changed record.
// It runs outside the lock.
func (s *Store) SetObserver(fn func(Record)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// UpsertByRecordID applies p to the record with the given id.
// It returns false if the id is unknown or the run was cancelled.
func (s *Store) UpsertByRecordID(id string, p Patch) bool {
	s.mu.Lock()
	i, ok := s.byID[id]
	if !ok || s.status == StatusCancelled {
		s.mu.Unlock()
		return false
	}
	rec, changed := s.applyLocked(i, p)
	obs := s.observer
	s.mu.Unlock()

	if changed && obs != nil {
		obs(rec)
	}
	return true
}

// UpsertByProviderMessageID applies p to the record that was sent with the
// given provider message id. Unknown ids are silently ignored.
func (s *Store) UpsertByProviderMessageID(pid string, p Patch) bool {
	s.mu.Lock()
	i, ok := s.byPID[pid]
	if !ok || pid == "" || s.status == StatusCancelled {
		s.mu.Unlock()
		return false
	}
	rec, changed := s.applyLocked(i, p)
	obs := s.observer
	s.mu.Unlock()

	if changed && obs != nil {
		obs(rec)
	}
	return true
}

func (s *Store) applyLocked(i int, p Patch) (Record, bool) {
	rec := &s.records[i]
	changed := false

	if p.AttemptCount != nil && *p.AttemptCount > rec.AttemptCount {
		rec.AttemptCount = *p.AttemptCount
		changed = true
	}

	if p.SendState != nil && *p.SendState != rec.SendState && !rec.SendState.Terminal() {
		next := *p.SendState
		switch {
		case next == SendSent:
			// sent always carries a provider id
			if p.ProviderMessageID != nil && *p.ProviderMessageID != "" {
				rec.ProviderMessageID = *p.ProviderMessageID
				s.byPID[rec.ProviderMessageID] = i
				rec.SendState = next
				changed = true
			}
		case next == SendPending:
			// never regress
		default:
			rec.SendState = next
			changed = true
		}
	}

	if p.LastError != nil && *p.LastError != rec.LastError {
		rec.LastError = *p.LastError
		changed = true
	}

	if rec.SendState == SendSent && rec.ProviderMessageID != "" {
		if p.DeliveryState != nil && *p.DeliveryState == DeliveryDelivered && rec.DeliveryState != DeliveryDelivered {
			rec.DeliveryState = DeliveryDelivered
			changed = true
		}
		if p.ReadState != nil && *p.ReadState == ReadRead && rec.ReadState != ReadRead {
			rec.ReadState = ReadRead
			changed = true
		}
	}

	if changed {
		rec.UpdatedAt = s.now()
	}
	return *rec, changed
}

// Get returns a copy of one record.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// Snapshot returns a copy of all records in input order.
func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// View returns a consistent snapshot of records and run-level state.
func (s *Store) View() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Summary: s.summaryLocked(),
		Records: append([]Record(nil), s.records...),
	}
}

// Summary returns run-level state without copying records.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

func (s *Store) summaryLocked() Summary {
	sum := Summary{
		RunID:      s.runID,
		Status:     s.status,
		Processed:  s.processed,
		Total:      len(s.records),
		Progress:   progress(s.processed, len(s.records)),
		CreatedAt:  s.createdAt,
		FinishedAt: s.finishedAt,
	}
	for _, r := range s.records {
		switch r.SendState {
		case SendPending:
			sum.Counts.Pending++
		case SendAttempting:
			sum.Counts.Attempting++
		case SendRetrying:
			sum.Counts.Retrying++
		case SendSent:
			sum.Counts.Sent++
		case SendFailed:
			sum.Counts.Failed++
		}
		if r.DeliveryState == DeliveryDelivered {
			sum.Counts.Delivered++
		}
		if r.ReadState == ReadRead {
			sum.Counts.Read++
		}
	}
	return sum
}

func progress(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(processed) / float64(total) * 100
}

func (s *Store) Status() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Store) Cancelled() bool { return s.Status() == StatusCancelled }

// MarkProcessed counts one finished record chain and returns the new
// progress. It is a no-op unless the run is still running.
func (s *Store) MarkProcessed() (ProgressEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return ProgressEvent{}, false
	}
	if s.processed < len(s.records) {
		s.processed++
	}
	return ProgressEvent{
		RunID:     s.runID,
		Processed: s.processed,
		Total:     len(s.records),
		Progress:  progress(s.processed, len(s.records)),
	}, true
}

// Cancel freezes a running run and fails every record that has not reached
// a terminal send state. It returns false if the run was not running.
func (s *Store) Cancel(reason string) bool {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	swept := make([]Record, 0, len(s.records))
	for i := range s.records {
		rec := &s.records[i]
		switch rec.SendState {
		case SendPending, SendAttempting, SendRetrying:
			rec.SendState = SendFailed
			rec.LastError = reason
			rec.UpdatedAt = now
			swept = append(swept, *rec)
		}
	}
	s.status = StatusCancelled
	s.finishedAt = now
	obs := s.observer
	s.mu.Unlock()

	if obs != nil {
		for _, rec := range swept {
			obs(rec)
		}
	}
	return true
}

// Finish marks a running run as completed and returns the final status.
func (s *Store) Finish() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		s.status = StatusCompleted
		s.finishedAt = s.now()
	}
	return s.status
}
