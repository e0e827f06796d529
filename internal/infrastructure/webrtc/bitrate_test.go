package webrtc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyVideoBitrate(t *testing.T) {
	out, err := ApplyVideoBitrate(testSDP, 250_000)
	require.NoError(t, err)

	assert.Contains(t, out, "b=TIAS:250000")
	assert.Contains(t, out, "b=AS:250")
	assert.NotContains(t, out, "b=AS:9999")

	// audio section untouched
	audio := out[:strings.Index(out, "m=video")]
	assert.NotContains(t, audio, "b=")

	bps, err := VideoBitrate(out)
	require.NoError(t, err)
	assert.Equal(t, 250_000, bps)
}

func TestApplyVideoBitrate_RoundsKilobitsUp(t *testing.T) {
	out, err := ApplyVideoBitrate(testSDP, 1_500_500)
	require.NoError(t, err)
	assert.Contains(t, out, "b=AS:1501")
}

func TestApplyVideoBitrate_Reapply(t *testing.T) {
	first, err := ApplyVideoBitrate(testSDP, 1_500_000)
	require.NoError(t, err)
	second, err := ApplyVideoBitrate(first, 500_000)
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(second, "b=TIAS:"))
	bps, err := VideoBitrate(second)
	require.NoError(t, err)
	assert.Equal(t, 500_000, bps)
}

func TestApplyVideoBitrate_Invalid(t *testing.T) {
	for _, raw := range []string{"not sdp", "", "v=0\r\n", "x=1\r\n"} {
		_, err := ApplyVideoBitrate(raw, 1000)
		assert.Error(t, err, "%q", raw)

		_, err = VideoBitrate(raw)
		assert.Error(t, err, "%q", raw)
	}

	// no cap means nothing to write, so the input is not inspected
	out, err := ApplyVideoBitrate("not sdp", 0)
	require.NoError(t, err)
	assert.Equal(t, "not sdp", out)
}

func TestVideoBitrate_Uncapped(t *testing.T) {
	bps, err := VideoBitrate(testSDP)
	require.NoError(t, err)
	assert.Zero(t, bps)
}
