package decode

import (
	"sync"

	"github.com/carevox/carevox/pkg/audio"
)

var _ audio.StreamDecoder = (*containerStream)(nil)

// containerStream incrementally demuxes a streamed container, such as the
// webm chunks a browser MediaRecorder produces, through one persistent ffmpeg
// context fed by a byte pipe. The demuxer runs on its own goroutine because
// libavformat pulls input while network packets arrive push-style.
type containerStream struct {
	pipe *packetPipe
	done chan struct{}

	mu  sync.Mutex
	pcm []byte
	err error
}

func newContainerStream() *containerStream {
	cs := &containerStream{
		pipe: newPacketPipe(),
		done: make(chan struct{}),
	}
	go cs.run()
	return cs
}

func (cs *containerStream) run() {
	defer close(cs.done)
	if err := demuxStream(cs.pipe, cs.push); err != nil {
		cs.mu.Lock()
		cs.err = err
		cs.mu.Unlock()
	}
}

func (cs *containerStream) push(pcm []byte) {
	cs.mu.Lock()
	cs.pcm = append(cs.pcm, pcm...)
	cs.mu.Unlock()
}

// Decode feeds one network chunk to the demuxer and returns whatever PCM has
// been produced so far. Output lags input while libavformat probes the head
// of the stream; the lag is recovered by later calls and by Drain.
func (cs *containerStream) Decode(packet []byte) ([]byte, error) {
	cs.mu.Lock()
	err := cs.err
	cs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if _, err := cs.pipe.Write(packet); err != nil {
		return nil, err
	}
	return cs.take(), nil
}

// Drain closes the input side, waits for the demuxer to decode the tail of
// the stream and returns the remaining PCM.
func (cs *containerStream) Drain() ([]byte, error) {
	cs.pipe.CloseWrite()
	<-cs.done

	cs.mu.Lock()
	err := cs.err
	cs.mu.Unlock()
	return cs.take(), err
}

func (cs *containerStream) Close() error {
	cs.pipe.CloseWrite()
	<-cs.done
	return nil
}

func (cs *containerStream) take() []byte {
	cs.mu.Lock()
	out := cs.pcm
	cs.pcm = nil
	cs.mu.Unlock()
	return out
}
