package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"

	"github.com/carevox/carevox/pkg/audio"
)

// DecodeFile decodes the first audio stream of the container at path into
// pipeline PCM (16 kHz mono s16le).
func DecodeFile(path string) ([]byte, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("decode: alloc format context")
	}
	defer fc.Free()

	if err := fc.OpenInput(path, nil, nil); err != nil {
		return nil, fmt.Errorf("decode: open %s: %w", path, err)
	}
	defer fc.CloseInput()

	var out []byte
	if err := demuxAudio(fc, func(pcm []byte) { out = append(out, pcm...) }); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeBytes decodes a complete in-memory file. It backs the whole-file
// converter strategy for formats that cannot be decoded packet by packet.
func DecodeBytes(data []byte) ([]byte, error) {
	r := bytes.NewReader(data)

	ioCtx, err := astiav.AllocIOContext(4096, false,
		func(b []byte) (int, error) { return r.Read(b) },
		func(offset int64, whence int) (int64, error) { return r.Seek(offset, whence) },
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("decode: alloc io context: %w", err)
	}
	defer ioCtx.Free()

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("decode: alloc format context")
	}
	defer fc.Free()
	fc.SetPb(ioCtx)

	if err := fc.OpenInput("", nil, nil); err != nil {
		return nil, fmt.Errorf("decode: open in-memory input: %w", err)
	}
	defer fc.CloseInput()

	var out []byte
	if err := demuxAudio(fc, func(pcm []byte) { out = append(out, pcm...) }); err != nil {
		return nil, err
	}
	return out, nil
}

// demuxStream decodes the audio stream read from r, handing converted PCM to
// sink as it becomes available. It returns once r is exhausted. The reader is
// treated as non-seekable, which is what a live network stream is.
func demuxStream(r io.Reader, sink func([]byte)) error {
	ioCtx, err := astiav.AllocIOContext(4096, false,
		func(b []byte) (int, error) { return r.Read(b) },
		nil,
		nil,
	)
	if err != nil {
		return fmt.Errorf("decode: alloc io context: %w", err)
	}
	defer ioCtx.Free()

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return errors.New("decode: alloc format context")
	}
	defer fc.Free()
	fc.SetPb(ioCtx)

	if err := fc.OpenInput("", nil, nil); err != nil {
		return fmt.Errorf("decode: open streamed input: %w", err)
	}
	defer fc.CloseInput()

	return demuxAudio(fc, sink)
}

// demuxAudio reads an opened format context to the end, decoding its first
// audio stream and resampling every frame to pipeline PCM.
func demuxAudio(fc *astiav.FormatContext, sink func([]byte)) error {
	if err := fc.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("decode: find stream info: %w", err)
	}

	var st *astiav.Stream
	for _, s := range fc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			st = s
			break
		}
	}
	if st == nil {
		return fmt.Errorf("%w: no audio stream", audio.ErrFormat)
	}

	par := st.CodecParameters()
	dec := astiav.FindDecoder(par.CodecID())
	if dec == nil {
		return fmt.Errorf("%w: no decoder for codec %s", audio.ErrFormat, par.CodecID().Name())
	}
	cc := astiav.AllocCodecContext(dec)
	if cc == nil {
		return errors.New("decode: alloc codec context")
	}
	defer cc.Free()
	if err := par.ToCodecContext(cc); err != nil {
		return fmt.Errorf("decode: apply codec parameters: %w", err)
	}
	if err := cc.Open(dec, nil); err != nil {
		return fmt.Errorf("decode: open decoder: %w", err)
	}

	conv, err := newFrameConverter()
	if err != nil {
		return err
	}
	defer conv.free()

	pkt := astiav.AllocPacket()
	defer pkt.Free()
	frame := astiav.AllocFrame()
	defer frame.Free()

	receive := func() error {
		for {
			if err := cc.ReceiveFrame(frame); err != nil {
				if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) || errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("decode: receive frame: %w", err)
			}
			pcm, err := conv.convert(frame)
			frame.Unref()
			if err != nil {
				return err
			}
			if len(pcm) > 0 {
				sink(pcm)
			}
		}
	}

	idx := st.Index()
	for {
		if err := fc.ReadFrame(pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("decode: read packet: %w", err)
		}
		if pkt.StreamIndex() != idx {
			pkt.Unref()
			continue
		}
		err := cc.SendPacket(pkt)
		pkt.Unref()
		if err != nil && !errors.Is(err, astiav.ErrEagain) {
			return fmt.Errorf("decode: send packet: %w", err)
		}
		if err := receive(); err != nil {
			return err
		}
	}

	// Flush the decoder, then the resampler.
	if err := cc.SendPacket(nil); err == nil || errors.Is(err, astiav.ErrEof) {
		if err := receive(); err != nil {
			return err
		}
	}
	pcm, err := conv.convert(nil)
	if err != nil {
		return err
	}
	if len(pcm) > 0 {
		sink(pcm)
	}
	return nil
}

// frameConverter resamples decoded frames of any rate, layout and sample
// format to pipeline PCM through libswresample. The context keeps fractional
// sample state between frames; converting nil drains it.
type frameConverter struct {
	ctx *astiav.SoftwareResampleContext
	out *astiav.Frame
}

func newFrameConverter() (*frameConverter, error) {
	ctx := astiav.AllocSoftwareResampleContext()
	if ctx == nil {
		return nil, errors.New("decode: alloc resample context")
	}
	out := astiav.AllocFrame()
	if out == nil {
		ctx.Free()
		return nil, errors.New("decode: alloc resample frame")
	}
	return &frameConverter{ctx: ctx, out: out}, nil
}

func (f *frameConverter) free() {
	if f.ctx != nil {
		f.ctx.Free()
		f.ctx = nil
	}
	if f.out != nil {
		f.out.Free()
		f.out = nil
	}
}

func (f *frameConverter) convert(in *astiav.Frame) ([]byte, error) {
	f.out.Unref()
	f.out.SetChannelLayout(astiav.ChannelLayoutMono)
	f.out.SetSampleFormat(astiav.SampleFormatS16)
	f.out.SetSampleRate(audio.SampleRate)

	// Headroom on top of the rate-converted count absorbs resampler delay.
	n := 256
	if in != nil && in.SampleRate() > 0 {
		n += in.NbSamples() * audio.SampleRate / in.SampleRate()
	}
	f.out.SetNbSamples(n)
	if err := f.out.AllocBuffer(0); err != nil {
		return nil, fmt.Errorf("decode: alloc sample buffer: %w", err)
	}

	if err := f.ctx.ConvertFrame(in, f.out); err != nil {
		return nil, fmt.Errorf("decode: resample: %w", err)
	}
	if f.out.NbSamples() == 0 {
		return nil, nil
	}

	data, err := f.out.Data().Bytes(0)
	if err != nil {
		return nil, fmt.Errorf("decode: read samples: %w", err)
	}
	// Clamp to the reported sample count.
	need := f.out.NbSamples() * audio.BytesPerSample
	if need > len(data) {
		need = len(data)
	}
	return append([]byte(nil), data[:need]...), nil
}
