package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/codewiresh/livetrack/internal/store"
)

const journalQueueSize = 256

var errJournalClosed = errors.New("journal closed")

// journal appends events to the store from its own goroutine so a slow
// disk never holds up dispatch. Events are written in the order queued.
type journal struct {
	st     store.Store
	logger *slog.Logger

	queue   chan journalItem
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// journalItem is an event to write, or a flush marker when flushed is set.
type journalItem struct {
	ev      store.Event
	flushed chan struct{}
}

func newJournal(st store.Store, logger *slog.Logger) *journal {
	j := &journal{
		st:      st,
		logger:  logger,
		queue:   make(chan journalItem, journalQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *journal) run() {
	defer close(j.stopped)
	for {
		select {
		case item := <-j.queue:
			j.handle(item)
		case <-j.done:
			for {
				select {
				case item := <-j.queue:
					j.handle(item)
				default:
					return
				}
			}
		}
	}
}

func (j *journal) handle(item journalItem) {
	if item.flushed != nil {
		close(item.flushed)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := j.st.EventAppend(ctx, item.ev); err != nil {
		j.logger.Warn("journal write failed", "kind", item.ev.Kind, "err", err)
	}
}

// append queues ev. A full queue drops it.
func (j *journal) append(ev store.Event) {
	select {
	case <-j.done:
		return
	default:
	}
	select {
	case j.queue <- journalItem{ev: ev}:
	default:
		j.logger.Warn("journal queue full, dropping event", "kind", ev.Kind, "session", ev.SessionID)
	}
}

// flush waits until every event queued before the call is written.
func (j *journal) flush(ctx context.Context) error {
	marker := journalItem{flushed: make(chan struct{})}
	select {
	case j.queue <- marker:
	case <-j.stopped:
		return errJournalClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-marker.flushed:
		return nil
	case <-j.stopped:
		return errJournalClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close writes what is queued and stops the writer.
func (j *journal) close() {
	j.once.Do(func() { close(j.done) })
	<-j.stopped
}
