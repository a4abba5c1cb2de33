package audio

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1 = l0
			r1 = r0
		}

		lInterp := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}
