package webrtc

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
)

const (
	bandwidthTIAS = "TIAS"
	bandwidthAS   = "AS"
)

var errNoSessionDescription = errors.New("no session description")

// parseSessionDescription rejects input the parser reads as empty. Text
// without an o= line is not a session description.
func parseSessionDescription(raw string) (*sdp.SessionDescription, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse session description: %w", err)
	}
	if parsed.Origin.NetworkType == "" {
		return nil, fmt.Errorf("parse session description: %w", errNoSessionDescription)
	}
	return &parsed, nil
}

// ApplyVideoBitrate writes bps into every video m-section of raw as b=TIAS
// (bits per second) and b=AS (kilobits per second), replacing earlier caps.
func ApplyVideoBitrate(raw string, bps int) (string, error) {
	if bps <= 0 {
		return raw, nil
	}

	parsed, err := parseSessionDescription(raw)
	if err != nil {
		return "", err
	}

	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media != "video" {
			continue
		}

		kept := m.Bandwidth[:0]
		for _, b := range m.Bandwidth {
			if b.Type != bandwidthTIAS && b.Type != bandwidthAS {
				kept = append(kept, b)
			}
		}
		m.Bandwidth = append(kept,
			sdp.Bandwidth{Type: bandwidthTIAS, Bandwidth: uint64(bps)},
			sdp.Bandwidth{Type: bandwidthAS, Bandwidth: uint64((bps + 999) / 1000)},
		)
	}

	out, err := parsed.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal session description: %w", err)
	}
	return string(out), nil
}

// VideoBitrate returns the TIAS cap of the first video m-section, or 0.
func VideoBitrate(raw string) (int, error) {
	parsed, err := parseSessionDescription(raw)
	if err != nil {
		return 0, err
	}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media != "video" {
			continue
		}
		for _, b := range m.Bandwidth {
			if b.Type == bandwidthTIAS {
				return int(b.Bandwidth), nil
			}
		}
	}
	return 0, nil
}
