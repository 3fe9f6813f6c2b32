package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpDBQuery, 10*time.Millisecond, nil)
	c.RecordTiming(OpDBQuery, 30*time.Millisecond, errors.New("locked"))

	snap := c.Snapshot()
	require.NotNil(t, snap.DBQuery)
	assert.Equal(t, int64(2), snap.DBQuery.Count)
	assert.Equal(t, int64(1), snap.DBQuery.Failures)
	assert.Equal(t, int64(10), snap.DBQuery.MinTimeMs)
	assert.Equal(t, int64(30), snap.DBQuery.MaxTimeMs)
	assert.InDelta(t, 20.0, snap.DBQuery.AvgTimeMs, 0.001)
	assert.Nil(t, snap.DBQuery.TotalFragments)
	assert.Nil(t, snap.DBWrite)
}

func TestRecordStream(t *testing.T) {
	c := NewCollector()
	c.RecordStream(OpUpstreamStream, time.Second, 4, nil)
	c.RecordStream(OpUpstreamStream, time.Second, 10, nil)

	snap := c.Snapshot()
	require.NotNil(t, snap.UpstreamStream)
	require.NotNil(t, snap.UpstreamStream.TotalFragments)
	assert.Equal(t, int64(14), *snap.UpstreamStream.TotalFragments)
	assert.Equal(t, int64(10), *snap.UpstreamStream.MaxFragments)
	assert.InDelta(t, 7.0, *snap.UpstreamStream.AvgFragments, 0.001)
}

func TestConnections(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ConnectionOpened()
			c.RecordTiming(OpTurn, time.Millisecond, nil)
		}()
	}
	wg.Wait()
	c.ConnectionClosed()

	snap := c.Snapshot()
	assert.Equal(t, int64(49), snap.ActiveConnections)
	assert.Equal(t, int64(50), snap.Turn.Count)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RecordTiming(OpTurn, time.Second, nil)
	c.ConnectionOpened()
	assert.Equal(t, Snapshot{}, c.Snapshot())
}
