package coordinator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/autoshard/internal/cluster"
)

func TestNewTopology(t *testing.T) {
	tests := []struct {
		name            string
		totalShards     int
		shardsPerWorker int
		wantErr         bool
	}{
		{name: "fixed shards per worker", totalShards: 8, shardsPerWorker: 2},
		{name: "round robin", totalShards: 8, shardsPerWorker: 0},
		{name: "zero shards", totalShards: 0, wantErr: true},
		{name: "negative shards per worker", totalShards: 4, shardsPerWorker: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo, err := NewTopology(tt.totalShards, tt.shardsPerWorker)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, topo)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.totalShards, topo.TotalShards())
			assert.Equal(t, tt.shardsPerWorker, topo.ShardsPerWorker())
			assert.Equal(t, cluster.ContiguousAssignment(tt.totalShards), topo.ShardAssignment())
			assert.Zero(t, topo.KnownWorkerCount())
		})
	}
}

func TestTopologyAddWorker(t *testing.T) {
	t.Run("fixed shards per worker", func(t *testing.T) {
		topo, err := NewTopology(6, 2)
		require.NoError(t, err)

		for id, want := range [][]int{{0, 1}, {2, 3}, {4, 5}} {
			shards, err := topo.AddWorker(id)
			require.NoError(t, err)
			assert.Equal(t, want, shards)
		}

		// A fourth worker has nothing left to own.
		shards, err := topo.AddWorker(3)
		require.NoError(t, err)
		assert.Empty(t, shards)
		assert.Equal(t, 4, topo.KnownWorkerCount())
	})

	t.Run("round robin", func(t *testing.T) {
		topo, err := NewTopology(5, 0)
		require.NoError(t, err)
		_, _ = topo.AddWorker(10)
		_, _ = topo.AddWorker(20)

		assert.Equal(t, []int{0, 2, 4}, topo.WorkerShards(10))
		assert.Equal(t, []int{1, 3}, topo.WorkerShards(20))
	})

	t.Run("duplicate and invalid", func(t *testing.T) {
		topo, err := NewTopology(2, 1)
		require.NoError(t, err)

		first, err := topo.AddWorker(0)
		require.NoError(t, err)
		again, err := topo.AddWorker(0)
		require.NoError(t, err)
		assert.Equal(t, first, again)
		assert.Equal(t, 1, topo.KnownWorkerCount())

		_, err = topo.AddWorker(-1)
		assert.Error(t, err)
		assert.Nil(t, topo.WorkerShards(99))
	})
}

func TestTopologyAssignments(t *testing.T) {
	topo, err := NewTopology(4, 2)
	require.NoError(t, err)
	_, _ = topo.AddWorker(5)
	_, _ = topo.AddWorker(1)

	assert.Equal(t, []WorkerAssignment{
		{WorkerID: 5, Shards: []int{0, 1}},
		{WorkerID: 1, Shards: []int{2, 3}},
	}, topo.Assignments())

	owner, err := topo.WorkerForShard(3)
	require.NoError(t, err)
	assert.Equal(t, 1, owner)

	_, err = topo.WorkerForShard(9)
	assert.Error(t, err)
}

func TestTopologySetAssignment(t *testing.T) {
	topo, err := NewTopology(4, 0)
	require.NoError(t, err)

	require.NoError(t, topo.SetAssignment([]int{0, 3, 9}))
	assert.Equal(t, 3, topo.TotalShards())
	assert.Equal(t, []int{0, 3, 9}, topo.ShardAssignment())
	assert.ErrorIs(t, CheckTopology(ViewOf(topo)), ErrUnsupportedTopology)

	assert.Error(t, topo.SetAssignment(nil))
	assert.Error(t, topo.SetAssignment([]int{1, -2}))
}

func TestTopologyApply(t *testing.T) {
	topo, err := NewTopology(4, 2)
	require.NoError(t, err)
	_, _ = topo.AddWorker(0)
	_, _ = topo.AddWorker(1)

	req := BuildRequest(DefaultConfig(), ViewOf(topo), 6)
	require.NoError(t, topo.Apply(req))

	assert.Equal(t, 6, topo.TotalShards())
	assert.Equal(t, 2, topo.ShardsPerWorker())
	assert.Equal(t, []int{2, 3}, topo.WorkerShards(1))
	// Shards 4 and 5 wait for a third worker.
	_, err = topo.WorkerForShard(4)
	assert.Error(t, err)
	shards, err := topo.AddWorker(2)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, shards)
	assert.NoError(t, CheckTopology(ViewOf(topo)))

	assert.Error(t, topo.Apply(cluster.RescaleRequest{TotalShards: 0, ShardsPerWorker: 1}))
	assert.Error(t, topo.Apply(cluster.RescaleRequest{TotalShards: 3, ShardsPerWorker: 0}))
}

func TestTopologyShardForKey(t *testing.T) {
	topo, err := NewTopology(8, 0)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("entity-%d", i)
		shard := topo.ShardForKey(key)
		assert.Equal(t, shard, topo.ShardForKey(key), "mapping is stable")
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, 8)
		seen[shard] = true
	}
	assert.Greater(t, len(seen), 4, "keys spread over shards")
}

func TestTopologyConcurrentAccess(t *testing.T) {
	topo, err := NewTopology(64, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, _ = topo.AddWorker(id)
			_ = topo.WorkerShards(id)
			_ = topo.Assignments()
			_ = topo.ShardForKey(fmt.Sprint(id))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, topo.KnownWorkerCount())
	owned := 0
	for _, a := range topo.Assignments() {
		owned += len(a.Shards)
	}
	assert.Equal(t, 64, owned)
}
