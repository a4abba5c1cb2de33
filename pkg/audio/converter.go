package audio

import (
	"fmt"
	"log/slog"
)

// Strategy identifies how a [Converter] turns input packets into PCM.
// It is selected once at construction from the declared format tag.
type Strategy string

const (
	// StrategyRaw interprets packets as interleaved 16-bit signed PCM at the
	// declared source rate and channel count.
	StrategyRaw Strategy = "raw"

	// StrategyStream feeds each packet to a persistent codec decoder that
	// holds state across packet boundaries (opus, webm).
	StrategyStream Strategy = "stream"

	// StrategyFile buffers all packets and decodes them as one complete file
	// on Flush (mp3, aac and other non-streaming containers).
	StrategyFile Strategy = "file"
)

// StreamDecoder is a persistent, stateful decoder for streaming codecs. Decode
// is called once per incoming packet and returns any PCM that became available,
// already normalized to the pipeline format (16 kHz mono s16le). Decoded output
// may lag input while the decoder buffers; Drain is called once at end of
// stream and returns whatever PCM is still held. Decoders hold codec and
// resampler state across calls and must not be shared between converters.
type StreamDecoder interface {
	Decode(packet []byte) ([]byte, error)
	Drain() ([]byte, error)
	Close() error
}

// FileDecoder decodes a complete in-memory file into pipeline-format PCM.
// It is invoked once, from [Converter.Flush].
type FileDecoder interface {
	DecodeAll(data []byte) ([]byte, error)
}

// FileDecoderFunc adapts a plain function to the [FileDecoder] interface.
type FileDecoderFunc func(data []byte) ([]byte, error)

func (f FileDecoderFunc) DecodeAll(data []byte) ([]byte, error) { return f(data) }

// Stats reports cumulative counters for one [Converter].
type Stats struct {
	Strategy   Strategy
	BytesIn    int64
	FramesOut  int64
	CarryBytes int
}

// Converter normalizes raw input packets into 30 ms PCM frames of exactly
// [FrameBytes] bytes (16 kHz mono s16le). Decoded bytes accumulate in an
// internal carry buffer; every full frame is emitted, the remainder stays
// buffered until the next packet or Flush.
//
// Create one per stream; a Converter is not safe for concurrent use.
type Converter struct {
	strategy Strategy

	// Raw path.
	srcRate     int
	srcChannels int
	alignCarry  []byte // odd trailing byte between packets

	// Stream path.
	dec StreamDecoder

	// File path.
	fileDec FileDecoder
	fileBuf []byte

	carry     []byte
	bytesIn   int64
	framesOut int64
}

// NewRawConverter creates a Converter for interleaved 16-bit signed PCM at the
// declared source rate and channel count. Stereo input is downmixed by
// per-sample average; other rates are resampled by linear interpolation.
func NewRawConverter(srcRate, srcChannels int) (*Converter, error) {
	if srcRate <= 0 {
		srcRate = SampleRate
	}
	if srcChannels <= 0 {
		srcChannels = Channels
	}
	if srcChannels > 2 {
		return nil, fmt.Errorf("%w: %d channels not supported", ErrFormat, srcChannels)
	}
	return &Converter{
		strategy:    StrategyRaw,
		srcRate:     srcRate,
		srcChannels: srcChannels,
	}, nil
}

// NewStreamConverter creates a Converter backed by a persistent streaming
// decoder. The decoder's lifetime is owned by the converter; Close releases it.
func NewStreamConverter(dec StreamDecoder) *Converter {
	return &Converter{strategy: StrategyStream, dec: dec}
}

// NewFileConverter creates a Converter that buffers all input and decodes it
// as one complete file when Flush is called.
func NewFileConverter(dec FileDecoder) *Converter {
	return &Converter{strategy: StrategyFile, fileDec: dec}
}

// Convert processes one input packet and returns the complete frames that
// became available. On the file strategy, packets are only buffered and
// Convert always returns no frames.
//
// A decode failure on the stream strategy yields zero frames for that packet
// and is logged at debug; the stream continues.
func (c *Converter) Convert(packet []byte) ([][]byte, error) {
	c.bytesIn += int64(len(packet))

	switch c.strategy {
	case StrategyRaw:
		return c.cut(c.convertRaw(packet)), nil

	case StrategyStream:
		pcm, err := c.dec.Decode(packet)
		if err != nil {
			slog.Debug("audio converter: packet decode failed, dropping packet",
				"bytes", len(packet), "err", err)
			return nil, nil
		}
		return c.cut(pcm), nil

	case StrategyFile:
		c.fileBuf = append(c.fileBuf, packet...)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", ErrFormat, c.strategy)
}

// Flush finishes the stream. On the file strategy it decodes the accumulated
// buffer as a whole file first; on the stream strategy it drains the decoder.
// It returns any remaining complete frames plus the short tail left in the
// carry buffer (may be empty, never a full frame).
func (c *Converter) Flush() ([][]byte, []byte, error) {
	var frames [][]byte

	switch {
	case c.strategy == StrategyFile && len(c.fileBuf) > 0:
		pcm, err := c.fileDec.DecodeAll(c.fileBuf)
		c.fileBuf = nil
		if err != nil {
			return nil, nil, fmt.Errorf("audio converter: whole-file decode: %w", err)
		}
		frames = c.cut(pcm)

	case c.strategy == StrategyStream:
		pcm, err := c.dec.Drain()
		if err != nil {
			slog.Debug("audio converter: decoder drain failed", "err", err)
			break
		}
		frames = c.cut(pcm)
	}

	tail := c.carry
	c.carry = nil
	return frames, tail, nil
}

// Stats returns cumulative counters for this converter.
func (c *Converter) Stats() Stats {
	return Stats{
		Strategy:   c.strategy,
		BytesIn:    c.bytesIn,
		FramesOut:  c.framesOut,
		CarryBytes: len(c.carry),
	}
}

// Close releases the streaming decoder, if any.
func (c *Converter) Close() error {
	if c.dec != nil {
		return c.dec.Close()
	}
	return nil
}

// convertRaw normalizes one raw PCM packet to 16 kHz mono. Sample alignment is
// preserved across packets: a trailing odd byte is carried into the next call.
func (c *Converter) convertRaw(packet []byte) []byte {
	buf := packet
	if len(c.alignCarry) > 0 {
		buf = append(c.alignCarry, packet...)
		c.alignCarry = nil
	}
	unit := 2 * c.srcChannels
	if rem := len(buf) % unit; rem != 0 {
		c.alignCarry = append([]byte(nil), buf[len(buf)-rem:]...)
		buf = buf[:len(buf)-rem]
	}
	if len(buf) == 0 {
		return nil
	}

	if c.srcChannels == 2 {
		buf = ResampleStereo16(buf, c.srcRate, SampleRate)
		buf = StereoToMono(buf)
	} else {
		buf = ResampleMono16(buf, c.srcRate, SampleRate)
	}
	return buf
}

// cut appends pcm to the carry buffer and slices out every complete frame.
func (c *Converter) cut(pcm []byte) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	c.carry = append(c.carry, pcm...)

	n := len(c.carry) / FrameBytes
	if n == 0 {
		return nil
	}
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, FrameBytes)
		copy(frame, c.carry[i*FrameBytes:(i+1)*FrameBytes])
		frames = append(frames, frame)
	}
	c.carry = append(c.carry[:0], c.carry[n*FrameBytes:]...)
	c.framesOut += int64(n)
	return frames
}
