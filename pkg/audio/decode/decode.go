// Package decode builds audio converters for the formats accepted at the
// stream and upload boundaries.
//
// Raw PCM is handled by [audio.NewRawConverter] directly. Opus packets are
// decoded with libopus, which renders at the pipeline rate natively. Anything
// carried in a container (webm, mp3, aac, ...) goes through ffmpeg via
// go-astiav: streamed containers are demuxed incrementally by a persistent
// context, non-streaming ones are buffered and decoded whole on flush.
package decode

import (
	"fmt"
	"strings"

	"github.com/carevox/carevox/pkg/audio"
)

// StrategyFor classifies a declared format tag. Callers use it to validate a
// format before any audio arrives and to warn when a file-buffered format is
// offered on a live stream. An unknown tag fails with [audio.ErrFormat].
func StrategyFor(format string) (audio.Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pcm", "pcm_s16le", "raw":
		return audio.StrategyRaw, nil
	case "opus", "webm":
		return audio.StrategyStream, nil
	case "mp3", "aac", "wav", "m4a", "ogg", "flac":
		return audio.StrategyFile, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", audio.ErrFormat, format)
	}
}

// NewConverter returns a converter for the declared format tag. The sample
// rate and channel count describe raw PCM input only; decoded formats carry
// their own.
func NewConverter(format string, sampleRate, channels int) (*audio.Converter, error) {
	strategy, err := StrategyFor(format)
	if err != nil {
		return nil, err
	}
	switch strategy {
	case audio.StrategyRaw:
		return audio.NewRawConverter(sampleRate, channels)

	case audio.StrategyStream:
		if strings.EqualFold(strings.TrimSpace(format), "opus") {
			dec, err := newOpusDecoder()
			if err != nil {
				return nil, err
			}
			return audio.NewStreamConverter(dec), nil
		}
		return audio.NewStreamConverter(newContainerStream()), nil

	default:
		return audio.NewFileConverter(audio.FileDecoderFunc(DecodeBytes)), nil
	}
}
