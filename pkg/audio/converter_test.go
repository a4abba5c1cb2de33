package audio_test

import (
	"bytes"
	"errors"
	"testing"

	"pgregory.net/rapid"

	"github.com/carevox/carevox/pkg/audio"
)

// passthroughDecoder is a StreamDecoder that returns its input unchanged,
// optionally failing every call and optionally holding back a drain tail.
type passthroughDecoder struct {
	fail   bool
	tail   []byte
	closed bool
}

func (d *passthroughDecoder) Decode(packet []byte) ([]byte, error) {
	if d.fail {
		return nil, errors.New("decode failure")
	}
	return packet, nil
}

func (d *passthroughDecoder) Drain() ([]byte, error) {
	out := d.tail
	d.tail = nil
	return out, nil
}

func (d *passthroughDecoder) Close() error {
	d.closed = true
	return nil
}

func TestRawConverter_FrameExactness(t *testing.T) {
	conv, err := audio.NewRawConverter(16000, 1)
	if err != nil {
		t.Fatalf("NewRawConverter: %v", err)
	}

	// 2.5 frames worth of PCM in one packet.
	packet := make([]byte, audio.FrameBytes*2+audio.FrameBytes/2)
	frames, err := conv.Convert(packet)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if len(f) != audio.FrameBytes {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(f), audio.FrameBytes)
		}
	}

	if got := conv.Stats().CarryBytes; got != audio.FrameBytes/2 {
		t.Errorf("carry: got %d bytes, want %d", got, audio.FrameBytes/2)
	}

	_, tail, err := conv.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(tail) != audio.FrameBytes/2 {
		t.Errorf("tail: got %d bytes, want %d", len(tail), audio.FrameBytes/2)
	}
}

func TestRawConverter_StereoDownmix(t *testing.T) {
	conv, err := audio.NewRawConverter(16000, 2)
	if err != nil {
		t.Fatalf("NewRawConverter: %v", err)
	}

	// One frame of stereo input produces half a frame of mono output.
	packet := samplesToBytes([]int16{100, 200, 100, 200})
	frames, err := conv.Convert(packet)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no complete frame yet, got %d", len(frames))
	}

	_, tail, err := conv.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := bytesToSamples(tail)
	want := []int16{150, 150}
	if len(got) != len(want) {
		t.Fatalf("tail samples: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRawConverter_OddByteAlignment(t *testing.T) {
	conv, err := audio.NewRawConverter(16000, 1)
	if err != nil {
		t.Fatalf("NewRawConverter: %v", err)
	}

	// Split one 4-byte sample pair across two packets at an odd boundary.
	full := samplesToBytes([]int16{1000, 2000})
	if _, err := conv.Convert(full[:3]); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if _, err := conv.Convert(full[3:]); err != nil {
		t.Fatalf("Convert: %v", err)
	}

	_, tail, err := conv.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := bytesToSamples(tail)
	want := []int16{1000, 2000}
	if len(got) != len(want) {
		t.Fatalf("tail samples: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRawConverter_TooManyChannels(t *testing.T) {
	_, err := audio.NewRawConverter(16000, 6)
	if !errors.Is(err, audio.ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}

func TestStreamConverter_DecodeFailureDropsPacket(t *testing.T) {
	dec := &passthroughDecoder{fail: true}
	conv := audio.NewStreamConverter(dec)

	frames, err := conv.Convert(make([]byte, audio.FrameBytes))
	if err != nil {
		t.Fatalf("Convert: decode failures must not error, got %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected 0 frames from failed decode, got %d", len(frames))
	}

	// The stream continues after a failed packet.
	dec.fail = false
	frames, err = conv.Convert(make([]byte, audio.FrameBytes))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	if err := conv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !dec.closed {
		t.Error("Close did not reach the decoder")
	}
}

func TestStreamConverter_FlushDrainsDecoder(t *testing.T) {
	dec := &passthroughDecoder{tail: make([]byte, audio.FrameBytes+4)}
	conv := audio.NewStreamConverter(dec)

	frames, tail, err := conv.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame from drained PCM, got %d", len(frames))
	}
	if len(tail) != 4 {
		t.Errorf("tail: got %d bytes, want 4", len(tail))
	}
}

func TestFileConverter_DecodesOnFlush(t *testing.T) {
	var seen []byte
	dec := audio.FileDecoderFunc(func(data []byte) ([]byte, error) {
		seen = append([]byte(nil), data...)
		return make([]byte, audio.FrameBytes*3), nil
	})
	conv := audio.NewFileConverter(dec)

	if frames, err := conv.Convert([]byte("compressed-a")); err != nil || len(frames) != 0 {
		t.Fatalf("Convert: frames=%d err=%v, want buffering only", len(frames), err)
	}
	if frames, err := conv.Convert([]byte("compressed-b")); err != nil || len(frames) != 0 {
		t.Fatalf("Convert: frames=%d err=%v, want buffering only", len(frames), err)
	}

	frames, tail, err := conv.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !bytes.Equal(seen, []byte("compressed-acompressed-b")) {
		t.Errorf("decoder saw %q", seen)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if len(tail) != 0 {
		t.Errorf("tail: got %d bytes, want 0", len(tail))
	}
}

func TestConverter_Stats(t *testing.T) {
	conv, err := audio.NewRawConverter(16000, 1)
	if err != nil {
		t.Fatalf("NewRawConverter: %v", err)
	}
	if _, err := conv.Convert(make([]byte, audio.FrameBytes+10)); err != nil {
		t.Fatalf("Convert: %v", err)
	}

	stats := conv.Stats()
	if stats.Strategy != audio.StrategyRaw {
		t.Errorf("strategy: got %q", stats.Strategy)
	}
	if stats.BytesIn != int64(audio.FrameBytes+10) {
		t.Errorf("bytes in: got %d", stats.BytesIn)
	}
	if stats.FramesOut != 1 {
		t.Errorf("frames out: got %d", stats.FramesOut)
	}
	if stats.CarryBytes != 10 {
		t.Errorf("carry: got %d", stats.CarryBytes)
	}
}

// Every frame emitted over an arbitrarily fragmented stream is exactly
// FrameBytes long, and the total frame count equals ⌊total PCM bytes / FrameBytes⌋.
func TestStreamConverter_FramingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		conv := audio.NewStreamConverter(&passthroughDecoder{})

		packetSizes := rapid.SliceOfN(rapid.IntRange(0, 4*audio.FrameBytes), 0, 50).Draw(t, "packetSizes")

		total := 0
		frameCount := 0
		for _, size := range packetSizes {
			frames, err := conv.Convert(make([]byte, size))
			if err != nil {
				t.Fatalf("Convert: %v", err)
			}
			for _, f := range frames {
				if len(f) != audio.FrameBytes {
					t.Fatalf("frame length %d, want %d", len(f), audio.FrameBytes)
				}
			}
			total += size
			frameCount += len(frames)
		}

		if want := total / audio.FrameBytes; frameCount != want {
			t.Fatalf("frames emitted: got %d, want %d (total %d bytes)", frameCount, want, total)
		}

		_, tail, err := conv.Flush()
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
		if want := total % audio.FrameBytes; len(tail) != want {
			t.Fatalf("tail: got %d bytes, want %d", len(tail), want)
		}
	})
}
