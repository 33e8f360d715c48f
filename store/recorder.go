package store

import (
	"context"
	"expvar"

	"github.com/omnibot/omnirelay/log2"
)

type Persister interface {
	Persist(ctx context.Context, table string, record interface{}) error
}

type write struct {
	table  string
	record interface{}
}

// Recorder is bounded async queue in front of Persister.
// Full queue drops the write, failed writes are logged and not retried.
type Recorder struct {
	log *log2.Log
	p   Persister
	q   chan write

	Written expvar.Int
	Failed  expvar.Int
	Dropped expvar.Int
}

func NewRecorder(log *log2.Log, p Persister, size int) *Recorder {
	if size <= 0 {
		size = 1024
	}
	return &Recorder{log: log, p: p, q: make(chan write, size)}
}

// Record never blocks, returns false if write was dropped.
func (r *Recorder) Record(table string, record interface{}) bool {
	select {
	case r.q <- write{table, record}:
		return true
	default:
		r.Dropped.Add(1)
		r.log.Errorf("recorder queue full, drop table=%s", table)
		return false
	}
}

// Run writes queued records until ctx is done, then flushes what is already queued.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case w := <-r.q:
			r.write(ctx, w)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case w := <-r.q:
			r.write(context.Background(), w)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, w write) {
	if err := r.p.Persist(ctx, w.table, w.record); err != nil {
		r.Failed.Add(1)
		r.log.Errorf("recorder table=%s err=%v", w.table, err)
		return
	}
	r.Written.Add(1)
}

// Pending is count of queued writes.
func (r *Recorder) Pending() int { return len(r.q) }
