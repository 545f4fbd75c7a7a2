package tts

// ComputeEnvelope derives a normalised amplitude envelope from 16-bit
// little-endian PCM audio. One sample is produced per [EnvelopeInterval]
// milliseconds of audio time; each sample is the peak absolute amplitude in
// its window scaled to [0, 1]. Returns nil for empty audio or invalid format
// parameters.
func ComputeEnvelope(pcm []byte, sampleRate, channels int) []float64 {
	if len(pcm) < 2 || sampleRate <= 0 || channels <= 0 {
		return nil
	}

	// frames per envelope window
	window := sampleRate * EnvelopeInterval / 1000
	if window == 0 {
		window = 1
	}
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	if frames == 0 {
		return nil
	}

	env := make([]float64, 0, frames/window+1)
	peak := 0
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			off := f*frameBytes + c*2
			s := int(int16(uint16(pcm[off]) | uint16(pcm[off+1])<<8))
			if s < 0 {
				s = -s
			}
			if s > peak {
				peak = s
			}
		}
		if (f+1)%window == 0 {
			env = append(env, float64(peak)/32768.0)
			peak = 0
		}
	}
	if frames%window != 0 {
		env = append(env, float64(peak)/32768.0)
	}
	return env
}
