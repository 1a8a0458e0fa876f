package broadcast

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"broadcastd/internal/simulator"
	logx "broadcastd/pkg/logx"
)

func (s *Service) execute(r *run) {
	defer s.runWG.Done()
	defer close(r.done)
	defer r.abort()
	start := time.Now()

	switch r.cfg.Strategy {
	case StrategyBatch:
		s.runBatches(r)
	default:
		s.runPool(r)
	}

	status := r.store.Finish()
	sum := r.store.Summary()
	s.publish(EventFinished, sum)

	fields := []logx.Field{
		logx.String("run", r.id),
		logx.String("status", string(status)),
		logx.Int("total", sum.Total),
		logx.Int("sent", sum.Counts.Sent),
		logx.Int("failed", sum.Counts.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if sum.Counts.Failed > 0 {
		s.log.Warn("broadcast finished with failures", fields...)
	} else {
		s.log.Info("broadcast finished", fields...)
	}
	s.pruneHistory(time.Now())
}

// runPool drains a prefilled queue with min(concurrency, n) workers.
func (s *Service) runPool(r *run) {
	n := len(r.ids)
	queue := make(chan int, n)
	for i := 0; i < n; i++ {
		queue <- i
	}
	close(queue)

	workers := min(r.cfg.Concurrency, n)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(idx int) {
			defer wg.Done()
			s.log.Debug("worker started", logx.String("run", r.id), logx.Int("worker", idx))
			for i := range queue {
				if r.ctx.Err() != nil {
					return
				}
				s.process(r, i)
			}
		}(w)
	}
	wg.Wait()
}

// runBatches sends in fixed-width batches; a batch fully settles before the
// next one starts.
func (s *Service) runBatches(r *run) {
	n := len(r.ids)
	width := r.cfg.Concurrency
	for lo := 0; lo < n; lo += width {
		if r.ctx.Err() != nil {
			return
		}
		hi := min(lo+width, n)
		var wg sync.WaitGroup
		wg.Add(hi - lo)
		for i := lo; i < hi; i++ {
			go func(i int) {
				defer wg.Done()
				s.process(r, i)
			}(i)
		}
		wg.Wait()
	}
}

// process runs the full attempt chain for one record and then counts it.
func (s *Service) process(r *run, i int) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("panic in broadcast worker", logx.String("run", r.id), logx.String("record", r.ids[i]), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			r.store.UpsertByRecordID(r.ids[i], Patch{
				SendState: ptr(SendFailed),
				LastError: ptr(fmt.Sprintf("internal error: %v", p)),
			})
		}
		if ev, ok := r.store.MarkProcessed(); ok {
			s.publish(EventProgress, ev)
		}
	}()
	s.sendChain(r, r.ids[i], r.to[i])
}

func (s *Service) sendChain(r *run, id, to string) {
	attempt := 0
	for {
		// cancellation checkpoint before each attempt
		if r.ctx.Err() != nil || r.store.Cancelled() {
			return
		}
		if r.lim != nil {
			if err := r.lim.Wait(r.ctx); err != nil {
				return
			}
		}

		attempt++
		if !r.store.UpsertByRecordID(id, Patch{SendState: ptr(SendAttempting), AttemptCount: ptr(attempt)}) {
			return
		}

		pid, err := s.gw.Send(r.sendCtx, to, r.msg, r.cred)

		// results that land after a cancel are discarded
		if r.store.Cancelled() {
			return
		}

		if err == nil && pid == "" {
			err = errors.New("gateway returned an empty message id")
		}
		if err == nil {
			if !r.store.UpsertByRecordID(id, Patch{SendState: ptr(SendSent), ProviderMessageID: ptr(pid)}) {
				return
			}
			s.log.Debug("broadcast send ok", logx.String("run", r.id), logx.String("to", to), logx.String("message_id", pid), logx.Int("attempt", attempt))
			st := r.store
			s.events.Track(r.ctx, pid, func(ev simulator.Event) {
				applyReceipt(st, ev)
			})
			return
		}

		msg := err.Error()
		dec := r.policy.Decide(attempt, err)
		// Limit is a hard cap whatever the policy decides.
		if !dec.Retry || attempt >= r.policy.Limit() {
			r.store.UpsertByRecordID(id, Patch{SendState: ptr(SendFailed), LastError: ptr(msg)})
			s.log.Warn("broadcast send failed", logx.String("run", r.id), logx.String("to", to), logx.Int("attempts", attempt), logx.Err(err))
			return
		}
		if !r.store.UpsertByRecordID(id, Patch{SendState: ptr(SendRetrying), LastError: ptr(msg)}) {
			return
		}
		s.log.Debug("broadcast send retry scheduled", logx.String("run", r.id), logx.String("to", to), logx.Int("attempt", attempt+1), logx.Duration("delay", dec.After), logx.Err(err))

		if dec.After > 0 {
			tmr := time.NewTimer(dec.After)
			select {
			case <-r.ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return
			case <-tmr.C:
			}
		}
	}
}

func applyReceipt(st *Store, ev simulator.Event) bool {
	switch ev.Kind {
	case simulator.Delivered:
		return st.UpsertByProviderMessageID(ev.ProviderMessageID, Patch{DeliveryState: ptr(DeliveryDelivered)})
	case simulator.Read:
		return st.UpsertByProviderMessageID(ev.ProviderMessageID, Patch{ReadState: ptr(ReadRead)})
	}
	return false
}
