package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaestli/eida-federator/internal/ferr"
	"github.com/kaestli/eida-federator/internal/sncl"
)

func TestDecodeExtentsParsesJSONArray(t *testing.T) {
	body := []byte(`[{"network":"CH","station":"HASLI","location":"","channel":"LHZ",
		"earliest":"2019-01-01T00:00:00Z","latest":"2019-01-02T00:00:00Z"}]`)

	extents, err := DecodeExtents(body)
	require.NoError(t, err)
	require.Len(t, extents, 1)
	assert.Equal(t, "CH.HASLI..LHZ", extents[0].NSLC())
}

func TestReduceToExtentMergesOverlappingRecordsPerChannel(t *testing.T) {
	t1, _ := time.Parse(time.RFC3339, "2019-01-01T00:00:00Z")
	t2, _ := time.Parse(time.RFC3339, "2019-01-02T00:00:00Z")
	t3, _ := time.Parse(time.RFC3339, "2019-01-03T00:00:00Z")
	t4, _ := time.Parse(time.RFC3339, "2019-01-04T00:00:00Z")

	entries := []Extent{
		{Network: "CH", Station: "HASLI", Channel: "LHZ", Earliest: t1, Latest: t2},
		{Network: "CH", Station: "HASLI", Channel: "LHZ", Earliest: t3, Latest: t4},
		{Network: "CH", Station: "DAVOX", Channel: "LHZ", Earliest: t1, Latest: t2},
	}

	reduced := ReduceToExtent(entries)
	require.Len(t, reduced, 2)

	var haslExtent Extent
	for _, e := range reduced {
		if e.Station == "HASLI" {
			haslExtent = e
		}
	}
	assert.True(t, haslExtent.Earliest.Equal(t1))
	assert.True(t, haslExtent.Latest.Equal(t4))
}

func TestCheckNoDistributedEpochsAcceptsSingleEndpointPerChannel(t *testing.T) {
	routes := []sncl.Route{
		{URL: "http://dc1", StreamEpochs: []sncl.StreamEpoch{{Network: "CH", Station: "HASLI", Channel: "LHZ"}}},
		{URL: "http://dc1", StreamEpochs: []sncl.StreamEpoch{{Network: "CH", Station: "DAVOX", Channel: "LHZ"}}},
	}
	assert.NoError(t, CheckNoDistributedEpochs(routes))
}

func TestCheckNoDistributedEpochsRejectsSplitAcrossEndpoints(t *testing.T) {
	routes := []sncl.Route{
		{URL: "http://dc1", StreamEpochs: []sncl.StreamEpoch{{Network: "CH", Station: "HASLI", Channel: "LHZ"}}},
		{URL: "http://dc2", StreamEpochs: []sncl.StreamEpoch{{Network: "CH", Station: "HASLI", Channel: "LHZ"}}},
	}
	err := CheckNoDistributedEpochs(routes)
	require.Error(t, err)
	assert.ErrorIs(t, err, ferr.ErrDistributedStreamEpoch)
}
