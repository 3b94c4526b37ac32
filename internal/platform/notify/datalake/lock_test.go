package datalake

import (
	"sync"
	"testing"
)

func TestChannel_PartitionLocksReleased(t *testing.T) {
	c := &Channel{locks: make(map[string]*partitionLock)}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := c.acquire("lake/Observation_20240301.ndjson")
			c.release("lake/Observation_20240301.ndjson", l)
		}()
	}
	wg.Wait()

	l := c.acquire("lake/Patient_20240302.ndjson")
	if len(c.locks) != 1 {
		t.Errorf("expected only the held partition lock, got %d", len(c.locks))
	}
	c.release("lake/Patient_20240302.ndjson", l)

	if len(c.locks) != 0 {
		t.Errorf("expected partition locks to be dropped, got %d", len(c.locks))
	}
}
