package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridProducesCrossProduct(t *testing.T) {
	cells := grid([]string{"CH", "GE"}, []string{"HASLI"}, []string{"*"}, []string{"LHZ", "LHN"})
	assert.Len(t, cells, 4)
	assert.Equal(t, cell{network: "CH", station: "HASLI", location: "*", channel: "LHZ"}, cells[0])
}

func TestSplitCSVDefaultsToWildcard(t *testing.T) {
	assert.Equal(t, []string{"*"}, splitCSV(""))
	assert.Equal(t, []string{"CH", "GE"}, splitCSV("CH,GE"))
}

func TestAllowListEmptyAllowsEverything(t *testing.T) {
	allow := allowList("")
	assert.True(t, allow("http://anything.example"))
}

func TestAllowListRestrictsToListedDomains(t *testing.T) {
	allow := allowList("eida.ethz.ch, eida.bgr.de")
	assert.True(t, allow("http://eida.ethz.ch/fdsnws/station/1/query"))
	assert.False(t, allow("http://example.com/fdsnws/station/1/query"))
}

func TestPIDLockRejectsConcurrentAcquisition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.pid")

	lock, err := acquirePIDLock(path)
	require.NoError(t, err)
	require.NotNil(t, lock)

	_, err = acquirePIDLock(path)
	require.Error(t, err)

	lock.release()

	lock2, err := acquirePIDLock(path)
	require.NoError(t, err)
	lock2.release()
}

func TestAcquirePIDLockEmptyPathDisablesLocking(t *testing.T) {
	lock, err := acquirePIDLock("")
	require.NoError(t, err)
	assert.Nil(t, lock)
	lock.release() // must tolerate a nil receiver
}
