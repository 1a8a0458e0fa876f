package app

import (
	"context"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/content"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

// runSource is what the audit writer reads from the dispatcher.
type runSource interface {
	Run(id string) (broadcast.Snapshot, bool)
	Message(id string) (content.Message, bool)
}

// auditEntry builds the persisted record of a finished run.
func auditEntry(src runSource, sum broadcast.Summary) storage.RunEntry {
	e := storage.RunEntry{
		RunID:      sum.RunID,
		Status:     string(sum.Status),
		Total:      sum.Total,
		Processed:  sum.Processed,
		Sent:       sum.Counts.Sent,
		Failed:     sum.Counts.Failed,
		Delivered:  sum.Counts.Delivered,
		Read:       sum.Counts.Read,
		CreatedAt:  sum.CreatedAt,
		FinishedAt: sum.FinishedAt,
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	if msg, ok := src.Message(sum.RunID); ok {
		e.Text = msg.Text
		e.HasImage = msg.Image != nil
	}
	if snap, ok := src.Run(sum.RunID); ok {
		for _, rec := range snap.Records {
			if rec.SendState != broadcast.SendFailed {
				continue
			}
			e.Failures = append(e.Failures, storage.Failure{Recipient: rec.Recipient, Error: rec.LastError})
			if len(e.Failures) >= storage.MaxFailures {
				break
			}
		}
	}
	return e
}

// runAudit persists every finished run until ctx is done. Events already
// queued when ctx ends are still written.
func runAudit(ctx context.Context, bus eventbus.Bus, src runSource, store storage.Store, log logx.Logger) {
	events, unsub := bus.Subscribe(32, broadcast.EventFinished)
	defer unsub()

	write := func(ev eventbus.Event) {
		sum, ok := ev.Data.(broadcast.Summary)
		if !ok {
			return
		}
		entry := auditEntry(src, sum)
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := store.PutRun(wctx, entry)
		cancel()
		if err != nil {
			log.Warn("audit write failed", logx.String("run", entry.RunID), logx.Err(err))
			return
		}
		log.Debug("audit written", logx.String("run", entry.RunID), logx.String("status", entry.Status), logx.Int("failures", len(entry.Failures)))
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					write(ev)
				default:
					return
				}
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			write(ev)
		}
	}
}
