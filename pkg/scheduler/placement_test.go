package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/agency/pkg/types"
)

func TestMatchGPUs(t *testing.T) {
	tests := []struct {
		name         string
		available    []types.GPU
		requirements []types.GPURequirement
		want         []int
		wantErr      bool
	}{
		{
			name:         "no requirements",
			available:    []types.GPU{{ID: 0, VRAM: 8000}},
			requirements: nil,
			want:         nil,
		},
		{
			name:         "single match",
			available:    []types.GPU{{ID: 0, VRAM: 8000}},
			requirements: []types.GPURequirement{{VRAM: 4000}},
			want:         []int{0},
		},
		{
			name: "smallest sufficient device wins",
			available: []types.GPU{
				{ID: 0, VRAM: 24000},
				{ID: 1, VRAM: 8000},
			},
			requirements: []types.GPURequirement{{VRAM: 4000}},
			want:         []int{1},
		},
		{
			name: "distinct devices per requirement",
			available: []types.GPU{
				{ID: 0, VRAM: 16000},
				{ID: 1, VRAM: 16000},
			},
			requirements: []types.GPURequirement{{VRAM: 16000}, {VRAM: 16000}},
			want:         []int{0, 1},
		},
		{
			name: "large requirement claims the large device",
			available: []types.GPU{
				{ID: 0, VRAM: 8000},
				{ID: 1, VRAM: 24000},
			},
			requirements: []types.GPURequirement{{VRAM: 4000}, {VRAM: 20000}},
			want:         []int{1, 0},
		},
		{
			name:         "not enough devices",
			available:    []types.GPU{{ID: 0, VRAM: 16000}},
			requirements: []types.GPURequirement{{VRAM: 8000}, {VRAM: 8000}},
			wantErr:      true,
		},
		{
			name:         "insufficient vram",
			available:    []types.GPU{{ID: 0, VRAM: 8000}},
			requirements: []types.GPURequirement{{VRAM: 16000}},
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchGPUs(tt.available, tt.requirements)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInsufficientGPU)
				return
			}
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestBestNodePrefersNodesWithoutGPUs(t *testing.T) {
	gpuNode := &nodeSnapshot{
		name:        "gpu-node",
		online:      true,
		presentGPUs: []types.GPU{{ID: 0, VRAM: 16000}},
		numRunning:  0,
	}
	cpuNode := &nodeSnapshot{
		name:       "cpu-node",
		online:     true,
		numRunning: 5,
	}

	best := bestNode([]*nodeSnapshot{gpuNode, cpuNode})
	assert.Equal(t, "cpu-node", best.name)
}

func TestBestNodePrefersFewerRunningBatches(t *testing.T) {
	busy := &nodeSnapshot{name: "busy", online: true, numRunning: 4, ramAvailable: 1024}
	idle := &nodeSnapshot{name: "idle", online: true, numRunning: 1, ramAvailable: 8192}

	best := bestNode([]*nodeSnapshot{busy, idle})
	assert.Equal(t, "idle", best.name)
}

func TestBestNodeBinpacksByFreeRAM(t *testing.T) {
	large := &nodeSnapshot{name: "large", online: true, numRunning: 2, ramAvailable: 16384}
	small := &nodeSnapshot{name: "small", online: true, numRunning: 2, ramAvailable: 4096}

	best := bestNode([]*nodeSnapshot{large, small})
	assert.Equal(t, "small", best.name)
}

func TestNodeSufficiency(t *testing.T) {
	node := &nodeSnapshot{
		name:          "node-1",
		online:        true,
		totalRAM:      16384,
		ramAvailable:  4096,
		presentGPUs:   []types.GPU{{ID: 0, VRAM: 16000}},
		gpusAvailable: []types.GPU{},
	}

	// Fits the machine, just not right now.
	assert.True(t, node.possiblySufficient(8192, []types.GPURequirement{{VRAM: 8000}}))
	_, ok := node.sufficient(8192, nil)
	assert.False(t, ok)

	// Fits right now.
	matched, ok := node.sufficient(2048, nil)
	assert.True(t, ok)
	assert.Empty(t, matched)

	// GPU demand while all devices are busy.
	_, ok = node.sufficient(2048, []types.GPURequirement{{VRAM: 8000}})
	assert.False(t, ok)

	// Never fits the machine.
	assert.False(t, node.possiblySufficient(32768, nil))
	assert.False(t, node.possiblySufficient(1024, []types.GPURequirement{{VRAM: 32000}}))

	// Offline nodes are never sufficient.
	offline := &nodeSnapshot{name: "node-2", online: false, totalRAM: 16384, ramAvailable: 16384}
	_, ok = offline.sufficient(1024, nil)
	assert.False(t, ok)
}

func TestSnapshotCommit(t *testing.T) {
	node := &nodeSnapshot{
		name:         "node-1",
		online:       true,
		totalRAM:     16384,
		ramAvailable: 16384,
		presentGPUs: []types.GPU{
			{ID: 0, VRAM: 16000},
			{ID: 1, VRAM: 16000},
		},
		gpusAvailable: []types.GPU{
			{ID: 0, VRAM: 16000},
			{ID: 1, VRAM: 16000},
		},
	}

	node.commit(4096, []int{0})

	assert.Equal(t, int64(12288), node.ramAvailable)
	assert.Equal(t, 1, node.numRunning)
	require.Len(t, node.gpusAvailable, 1)
	assert.Equal(t, 1, node.gpusAvailable[0].ID)
}
