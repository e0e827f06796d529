package services

import (
	"meshroom/internal/core/domain"
)

// Per-connection send caps, in bits per second.
const (
	BitrateLow    = 250_000
	BitrateMedium = 500_000
	BitrateHigh   = 1_500_000

	// ScreenShareMaxBitrate replaces the attach-time cap while a screen
	// capture is the outgoing video source.
	ScreenShareMaxBitrate = 2_500_000
)

const (
	crowdedPeerCount = 4
	largePeerCount   = 7
)

// QualityService derives media constraints from device capability and room
// size. It holds no mutable state.
type QualityService struct {
	profiles map[domain.CapabilityTier]domain.QualityProfile
}

func NewQualityService() *QualityService {
	return &QualityService{
		profiles: map[domain.CapabilityTier]domain.QualityProfile{
			domain.TierLow: {
				Tier:      domain.TierLow,
				Width:     640,
				Height:    360,
				FrameRate: 15,
			},
			domain.TierMedium: {
				Tier:      domain.TierMedium,
				Width:     960,
				Height:    540,
				FrameRate: 24,
			},
			domain.TierHigh: {
				Tier:      domain.TierHigh,
				Width:     1280,
				Height:    720,
				FrameRate: 30,
			},
		},
	}
}

// DetectTier classifies a device once per session. Zero cores or memory
// means the signal was not declared and is ignored.
func (qs *QualityService) DetectTier(s domain.DeviceSignals) domain.CapabilityTier {
	lowCores := s.Cores > 0 && s.Cores <= 2
	lowMemory := s.MemoryGB > 0 && s.MemoryGB <= 4
	if s.Mobile || lowCores || lowMemory {
		return domain.TierLow
	}

	midCores := s.Cores > 0 && s.Cores <= 4
	midMemory := s.MemoryGB > 0 && s.MemoryGB <= 8
	if midCores || midMemory {
		return domain.TierMedium
	}

	return domain.TierHigh
}

// EffectiveTier applies the room-size limits on top of the device tier:
// seven or more peers force the lowest tier, four or more cap at medium.
func (qs *QualityService) EffectiveTier(tier domain.CapabilityTier, peerCount int) domain.CapabilityTier {
	switch {
	case peerCount >= largePeerCount:
		return domain.TierLow
	case peerCount >= crowdedPeerCount:
		return tier.Min(domain.TierMedium)
	default:
		return tier
	}
}

// Profile is evaluated once when local media is acquired; it is not
// re-evaluated as peers come and go.
func (qs *QualityService) Profile(tier domain.CapabilityTier, peerCount int) domain.QualityProfile {
	effective := qs.EffectiveTier(tier, peerCount)
	profile, ok := qs.profiles[effective]
	if !ok {
		profile = qs.profiles[domain.TierLow]
	}

	profile.AudioChannels = 1
	profile.EchoCancellation = true
	profile.NoiseSuppression = true
	profile.AutoGainControl = true
	profile.MaxBitrate = MaxBitrateForPeers(peerCount)
	return profile
}

// MaxBitrateForPeers is the per-connection video cap applied when local
// media is attached to a new link.
func MaxBitrateForPeers(peerCount int) int {
	switch {
	case peerCount >= largePeerCount:
		return BitrateLow
	case peerCount >= crowdedPeerCount:
		return BitrateMedium
	default:
		return BitrateHigh
	}
}
