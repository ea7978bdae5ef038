package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaestli/eida-federator/internal/sncl"
)

func mustEpoch(t *testing.T, start, end string) sncl.StreamEpoch {
	t.Helper()
	s, err := time.Parse(time.RFC3339, start)
	require.NoError(t, err)
	e, err := time.Parse(time.RFC3339, end)
	require.NoError(t, err)
	return sncl.StreamEpoch{Network: "CH", Station: "HASLI", Channel: "LHZ", StartTime: s, EndTime: &e}
}

func TestSplitEpochDividesIntoEqualContiguousSpans(t *testing.T) {
	se := mustEpoch(t, "2019-01-01T00:00:00Z", "2019-01-05T00:00:00Z")

	subs, err := splitEpoch(se, 4)
	require.NoError(t, err)
	require.Len(t, subs, 4)

	assert.True(t, subs[0].StartTime.Equal(se.StartTime))
	assert.True(t, subs[len(subs)-1].EndTime.Equal(*se.EndTime))

	for i := 1; i < len(subs); i++ {
		assert.True(t, subs[i].StartTime.Equal(*subs[i-1].EndTime),
			"sub-epoch %d should start exactly where %d ended", i, i-1)
	}
}

func TestSplitEpochRejectsOpenEnded(t *testing.T) {
	se := sncl.StreamEpoch{Network: "CH", Station: "HASLI", Channel: "LHZ", StartTime: time.Now()}
	_, err := splitEpoch(se, 2)
	require.Error(t, err)
}

func TestSplitEpochRejectsTooSmallFactor(t *testing.T) {
	se := mustEpoch(t, "2019-01-01T00:00:00Z", "2019-01-02T00:00:00Z")
	_, err := splitEpoch(se, 1)
	require.Error(t, err)
}
