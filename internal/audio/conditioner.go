package audio

// Conditioner applies signal conditioning (denoise, gain) before VAD.
// Implementations must not retain pcm.
type Conditioner interface {
	Condition(pcm []byte) ([]byte, error)
}

// PassThrough leaves audio untouched.
type PassThrough struct{}

func (PassThrough) Condition(pcm []byte) ([]byte, error) { return pcm, nil }

// ConditionerFunc adapts a function to Conditioner.
type ConditionerFunc func(pcm []byte) ([]byte, error)

func (f ConditionerFunc) Condition(pcm []byte) ([]byte, error) { return f(pcm) }
