package domain

type CapabilityTier string

const (
	TierLow    CapabilityTier = "low"
	TierMedium CapabilityTier = "medium"
	TierHigh   CapabilityTier = "high"
)

// rank orders tiers so policies can take the lower of two.
func (t CapabilityTier) rank() int {
	switch t {
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	default:
		return 0
	}
}

// Min returns the lower of the two tiers.
func (t CapabilityTier) Min(other CapabilityTier) CapabilityTier {
	if other.rank() < t.rank() {
		return other
	}
	return t
}

// DeviceSignals are the static inputs of capability detection.
type DeviceSignals struct {
	Mobile   bool
	Cores    int
	MemoryGB float64
}

type QualityProfile struct {
	Tier             CapabilityTier `json:"tier"`
	Width            int            `json:"width"`
	Height           int            `json:"height"`
	FrameRate        int            `json:"frame_rate"`
	AudioChannels    int            `json:"audio_channels"`
	EchoCancellation bool           `json:"echo_cancellation"`
	NoiseSuppression bool           `json:"noise_suppression"`
	AutoGainControl  bool           `json:"auto_gain_control"`
	MaxBitrate       int            `json:"max_bitrate"` // bps
}
