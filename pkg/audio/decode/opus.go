package decode

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/carevox/carevox/pkg/audio"
)

// An Opus frame carries at most 120 ms of audio.
const opusMaxFrameSamples = audio.SampleRate * 120 / 1000

var _ audio.StreamDecoder = (*opusDecoder)(nil)

// opusDecoder decodes raw Opus packets straight to pipeline PCM. libopus
// renders at the requested rate and channel count itself, so no separate
// resampler is needed. The decoder holds codec state across packets and must
// not be shared between streams.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("decode: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("decode: opus packet: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Drain is a no-op: every Opus packet is self-contained.
func (d *opusDecoder) Drain() ([]byte, error) { return nil, nil }

func (d *opusDecoder) Close() error { return nil }

// int16sToBytes converts PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
