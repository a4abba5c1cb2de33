package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carevox/carevox/pkg/provider/stt"
)

const (
	// defaultWorkers is the worker count used when NewWorkerPool gets n <= 0.
	defaultWorkers = 3

	// queueDepth buffers the in- and out-queues. The in-queue additionally
	// holds one sentinel per worker at shutdown.
	queueDepth = 64
)

// Result is one recognition outcome leaving the pool. Seq is the sequence
// number assigned at enqueue; arrival order on the out-queue may differ, and
// consumers index by Seq.
type Result struct {
	Seq      int
	Text     string
	ProcMS   int64
	Start    time.Time
	RelStart float64
	Err      error
}

// segTask is one unit of work on the in-queue. A sentinel stops the worker
// that dequeues it.
type segTask struct {
	seq      int
	pcm      []byte
	prompt   string
	start    time.Time
	relStart float64
	sentinel bool
}

// WorkerPool fans speech segments out to concurrent recognizer calls while
// the caller keeps per-job ordering by sequence number. Results pass the
// hallucination guard before they reach the out-queue; the caller drops
// empty text on consumption.
//
// The pending counter tracks segments enqueued but not yet consumed from the
// out-queue, so a finalizing stream can wait for a true drain.
type WorkerPool struct {
	rec   stt.Recognizer
	guard *Guard
	n     int

	in  chan segTask
	out chan Result

	pending atomic.Int64
	wg      sync.WaitGroup
}

// NewWorkerPool builds a pool of n recognizer workers (default 3) guarded by
// guard. Call [WorkerPool.Start] before enqueueing.
func NewWorkerPool(rec stt.Recognizer, guard *Guard, n int) *WorkerPool {
	if n <= 0 {
		n = defaultWorkers
	}
	return &WorkerPool{
		rec:   rec,
		guard: guard,
		n:     n,
		in:    make(chan segTask, queueDepth+n),
		out:   make(chan Result, queueDepth),
	}
}

// Start launches the workers. Cancelling ctx aborts queue waits; an orderly
// stop goes through [WorkerPool.Shutdown] instead so in-flight work drains.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Workers returns the configured worker count.
func (p *WorkerPool) Workers() int { return p.n }

// Pending returns the number of segments enqueued but not yet consumed from
// the out-queue.
func (p *WorkerPool) Pending() int64 { return p.pending.Load() }

// Enqueue submits one segment for recognition under the given sequence
// number. prompt is the recognizer biasing context, snapshotted by value so
// later transcript growth cannot race the worker. Blocks when the in-queue
// is full, applying back-pressure to the socket reader.
func (p *WorkerPool) Enqueue(ctx context.Context, seq int, seg *SpeechSegment, prompt string) error {
	p.pending.Add(1)
	select {
	case p.in <- segTask{seq: seq, pcm: seg.PCM, prompt: prompt, start: seg.Start, relStart: seg.RelStart}:
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	}
}

// Poll returns the next ready result without blocking. The second return is
// false when the out-queue is empty.
func (p *WorkerPool) Poll() (Result, bool) {
	select {
	case r := <-p.out:
		p.pending.Add(-1)
		return r, true
	default:
		return Result{}, false
	}
}

// Await blocks for the next result until timeout elapses or ctx ends.
func (p *WorkerPool) Await(ctx context.Context, timeout time.Duration) (Result, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-p.out:
		p.pending.Add(-1)
		return r, true
	case <-t.C:
		return Result{}, false
	case <-ctx.Done():
		return Result{}, false
	}
}

// Shutdown places one sentinel per worker and waits up to timeout for the
// workers to exit. It returns false when the deadline expired with workers
// still busy; results already in flight stay readable from the out-queue
// either way.
func (p *WorkerPool) Shutdown(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for i := 0; i < p.n; i++ {
		select {
		case p.in <- segTask{sentinel: true}:
		case <-timer.C:
			return false
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.in:
			if task.sentinel {
				return
			}
			p.transcribe(ctx, task)
		}
	}
}

// transcribe runs one recognizer call and pushes the outcome. Guard filtering
// applies only to successful results; errors travel as-is.
func (p *WorkerPool) transcribe(ctx context.Context, task segTask) {
	started := time.Now()
	text, err := p.recognize(task.pcm, task.prompt)
	procMS := time.Since(started).Milliseconds()

	if err == nil {
		text = p.guard.Clean(text)
	}

	res := Result{
		Seq:      task.seq,
		Text:     text,
		ProcMS:   procMS,
		Start:    task.start,
		RelStart: task.relStart,
		Err:      err,
	}
	select {
	case p.out <- res:
	case <-ctx.Done():
	}
}

// recognize converts recognizer panics into error results so one bad segment
// cannot take down the pool.
func (p *WorkerPool) recognize(pcm []byte, prompt string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: recognizer panic: %v", r)
		}
	}()
	return p.rec.TranscribeSegment(pcm, prompt)
}
