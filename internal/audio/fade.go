package audio

// Smoothstep maps t in [0,1] onto the 3t^2 - 2t^3 curve, clamping outside it.
func Smoothstep(t float64) float64 {
	switch {
	case t <= 0:
		return 0
	case t >= 1:
		return 1
	}
	return t * t * (3 - 2*t)
}

// Scale returns frame multiplied by gain, saturated to the int16 range.
func Scale(frame []int16, gain float64) []int16 {
	out := make([]int16, len(frame))
	for i, s := range frame {
		out[i] = clip16(float64(s) * gain)
	}
	return out
}

func clip16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// FadeIn ramps a frame up from silence. frameIdx counts from 0 at the resume
// point; frames at or beyond total are returned untouched.
func FadeIn(frame []int16, frameIdx, total int) []int16 {
	if total <= 0 || frameIdx >= total {
		return frame
	}
	return Scale(frame, Smoothstep(float64(frameIdx)/float64(total)))
}
