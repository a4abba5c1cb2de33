package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/carevox/carevox/internal/pipeline"
	"github.com/carevox/carevox/pkg/provider/stt"
	sttmock "github.com/carevox/carevox/pkg/provider/stt/mock"
)

// awaitResult consumes the next pool result or fails the test after two
// seconds.
func awaitResult(t *testing.T, ctx context.Context, pool *pipeline.WorkerPool) pipeline.Result {
	t.Helper()
	r, ok := pool.Await(ctx, 2*time.Second)
	if !ok {
		t.Fatal("timed out waiting for pool result")
	}
	return r
}

func TestWorkerPool_TranscribesSegment(t *testing.T) {
	t.Parallel()

	rec := &sttmock.Recognizer{Script: []string{"혈압이 높으시네요"}}
	pool := pipeline.NewWorkerPool(rec, pipeline.NewGuard(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Shutdown(time.Second)

	seg := &pipeline.SpeechSegment{PCM: frame(7), Start: time.Now(), RelStart: 1.5}
	if err := pool.Enqueue(ctx, 1, seg, "이전 대화 문맥"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := awaitResult(t, ctx, pool)
	if r.Seq != 1 || r.Text != "혈압이 높으시네요" || r.Err != nil {
		t.Fatalf("Result = %+v", r)
	}
	if r.RelStart != 1.5 {
		t.Fatalf("RelStart = %v, want 1.5", r.RelStart)
	}
	if r.ProcMS < 0 {
		t.Fatalf("ProcMS = %d, want >= 0", r.ProcMS)
	}
	if got := rec.TranscribeSegmentCalls[0].Prompt; got != "이전 대화 문맥" {
		t.Fatalf("prompt = %q", got)
	}
	if pool.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0 after consumption", pool.Pending())
	}
}

func TestWorkerPool_DefaultWorkerCount(t *testing.T) {
	t.Parallel()

	rec := &sttmock.Recognizer{}
	if got := pipeline.NewWorkerPool(rec, pipeline.NewGuard(), 0).Workers(); got != 3 {
		t.Fatalf("Workers = %d, want 3", got)
	}
	if got := pipeline.NewWorkerPool(rec, pipeline.NewGuard(), 5).Workers(); got != 5 {
		t.Fatalf("Workers = %d, want 5", got)
	}
}

func TestWorkerPool_GuardSuppressesHallucination(t *testing.T) {
	t.Parallel()

	rec := &sttmock.Recognizer{Script: []string{"ㅋㅋㅋㅋㅋㅋㅋㅋㅋㅋ"}}
	pool := pipeline.NewWorkerPool(rec, pipeline.NewGuard(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Shutdown(time.Second)

	seg := &pipeline.SpeechSegment{PCM: frame(1)}
	if err := pool.Enqueue(ctx, 1, seg, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := awaitResult(t, ctx, pool)
	if r.Text != "" || r.Err != nil {
		t.Fatalf("Result = %+v, want empty text", r)
	}
}

func TestWorkerPool_RecognizerErrorBecomesResult(t *testing.T) {
	t.Parallel()

	rec := &sttmock.Recognizer{TranscribeSegmentErr: errors.New("inference failed")}
	pool := pipeline.NewWorkerPool(rec, pipeline.NewGuard(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Shutdown(time.Second)

	if err := pool.Enqueue(ctx, 3, &pipeline.SpeechSegment{PCM: frame(1)}, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := awaitResult(t, ctx, pool)
	if r.Err == nil || r.Seq != 3 {
		t.Fatalf("Result = %+v, want error result for seq 3", r)
	}
}

func TestWorkerPool_PanicBecomesErrorResult(t *testing.T) {
	t.Parallel()

	pool := pipeline.NewWorkerPool(panicRecognizer{}, pipeline.NewGuard(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Shutdown(time.Second)

	if err := pool.Enqueue(ctx, 1, &pipeline.SpeechSegment{PCM: frame(1)}, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := awaitResult(t, ctx, pool)
	if r.Err == nil || !strings.Contains(r.Err.Error(), "panic") {
		t.Fatalf("Result.Err = %v, want recovered panic", r.Err)
	}
}

func TestWorkerPool_PendingTracksConsumption(t *testing.T) {
	t.Parallel()

	rec := &sttmock.Recognizer{Default: "text"}
	pool := pipeline.NewWorkerPool(rec, pipeline.NewGuard(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Shutdown(time.Second)

	for i := 1; i <= 3; i++ {
		if err := pool.Enqueue(ctx, i, &pipeline.SpeechSegment{PCM: frame(byte(i))}, ""); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	// Workers may have finished already, but pending only drops on
	// consumption.
	if got := pool.Pending(); got != 3 {
		t.Fatalf("Pending = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		awaitResult(t, ctx, pool)
	}
	if got := pool.Pending(); got != 0 {
		t.Fatalf("Pending = %d, want 0", got)
	}
}

func TestWorkerPool_PollEmpty(t *testing.T) {
	t.Parallel()

	pool := pipeline.NewWorkerPool(&sttmock.Recognizer{}, pipeline.NewGuard(), 1)
	if _, ok := pool.Poll(); ok {
		t.Fatal("Poll on idle pool returned a result")
	}
}

func TestWorkerPool_WorkersRunConcurrently(t *testing.T) {
	t.Parallel()

	rec := &sttmock.Recognizer{Default: "text", SegmentDelay: 200 * time.Millisecond}
	pool := pipeline.NewWorkerPool(rec, pipeline.NewGuard(), 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Shutdown(time.Second)

	started := time.Now()
	for i := 1; i <= 3; i++ {
		if err := pool.Enqueue(ctx, i, &pipeline.SpeechSegment{PCM: frame(byte(i))}, ""); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		awaitResult(t, ctx, pool)
	}
	// Serial execution would need at least 600 ms.
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("three segments took %v, want concurrent execution", elapsed)
	}
}

func TestWorkerPool_ShutdownDrainsInFlight(t *testing.T) {
	t.Parallel()

	rec := &sttmock.Recognizer{Default: "마지막 문장", SegmentDelay: 50 * time.Millisecond}
	pool := pipeline.NewWorkerPool(rec, pipeline.NewGuard(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	if err := pool.Enqueue(ctx, 1, &pipeline.SpeechSegment{PCM: frame(1)}, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !pool.Shutdown(2 * time.Second) {
		t.Fatal("Shutdown timed out")
	}
	r, ok := pool.Poll()
	if !ok || r.Text != "마지막 문장" {
		t.Fatalf("Poll after shutdown = %+v, %v; want in-flight result", r, ok)
	}
}

func TestWorkerPool_ShutdownTimeout(t *testing.T) {
	t.Parallel()

	rec := &sttmock.Recognizer{Default: "text", SegmentDelay: 300 * time.Millisecond}
	pool := pipeline.NewWorkerPool(rec, pipeline.NewGuard(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	if err := pool.Enqueue(ctx, 1, &pipeline.SpeechSegment{PCM: frame(1)}, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if pool.Shutdown(10 * time.Millisecond) {
		t.Fatal("Shutdown returned true with a worker mid-segment")
	}
}

func TestWorkerPool_EnqueueHonoursContext(t *testing.T) {
	t.Parallel()

	// No workers started: the in-queue fills and the next enqueue blocks
	// until the context expires.
	pool := pipeline.NewWorkerPool(&sttmock.Recognizer{}, pipeline.NewGuard(), 1)
	bg := context.Background()
	seg := &pipeline.SpeechSegment{PCM: frame(1)}

	n := 0
	for {
		ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
		err := pool.Enqueue(ctx, n+1, seg, "")
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("Enqueue error = %v", err)
			}
			break
		}
		n++
		if n > 1000 {
			t.Fatal("in-queue never filled")
		}
	}
	if got := pool.Pending(); got != int64(n) {
		t.Fatalf("Pending = %d, want %d after rejected enqueue", got, n)
	}
}

// panicRecognizer blows up on every segment to exercise the pool's recovery.
type panicRecognizer struct{}

func (panicRecognizer) Load() error { return nil }

func (panicRecognizer) TranscribeSegment([]byte, string) (string, error) {
	panic("native decoder crash")
}

func (panicRecognizer) TranscribeFile(context.Context, string) (<-chan stt.Segment, <-chan error) {
	segs := make(chan stt.Segment)
	errs := make(chan error, 1)
	close(segs)
	errs <- nil
	close(errs)
	return segs, errs
}
