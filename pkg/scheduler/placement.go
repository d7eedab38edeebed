package scheduler

import (
	"errors"
	"sort"

	"github.com/curious-containers/agency/pkg/types"
)

// ErrInsufficientGPU is returned when the available devices cannot satisfy
// the requirements.
var ErrInsufficientGPU = errors.New("insufficient gpus")

// nodeSnapshot is the point-in-time view of one node used during a single
// scheduling pass. It is decremented locally as batches are placed.
type nodeSnapshot struct {
	name          string
	online        bool
	totalRAM      int64
	presentGPUs   []types.GPU
	ramAvailable  int64
	gpusAvailable []types.GPU
	numRunning    int
}

func (n *nodeSnapshot) hasGPUs() bool {
	return len(n.presentGPUs) > 0
}

// MatchGPUs assigns a distinct available device to every requirement,
// first-fit by descending required VRAM. Each requirement gets the smallest
// device that satisfies it, keeping large devices free for large demands.
func MatchGPUs(available []types.GPU, requirements []types.GPURequirement) ([]int, error) {
	if len(requirements) == 0 {
		return nil, nil
	}
	if len(available) < len(requirements) {
		return nil, ErrInsufficientGPU
	}

	reqs := make([]types.GPURequirement, len(requirements))
	copy(reqs, requirements)
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].VRAM > reqs[j].VRAM })

	devices := make([]types.GPU, len(available))
	copy(devices, available)
	sort.Slice(devices, func(i, j int) bool { return devices[i].VRAM < devices[j].VRAM })

	used := make([]bool, len(devices))
	matched := make([]int, 0, len(reqs))

	for _, req := range reqs {
		found := false
		for i, device := range devices {
			if used[i] || device.VRAM < req.VRAM {
				continue
			}
			used[i] = true
			matched = append(matched, device.ID)
			found = true
			break
		}
		if !found {
			return nil, ErrInsufficientGPU
		}
	}
	return matched, nil
}

// possiblySufficient reports whether the node could ever hold the demand,
// ignoring current load. A batch with no possibly sufficient node in the
// whole cluster is structurally unschedulable.
func (n *nodeSnapshot) possiblySufficient(ram int64, gpus []types.GPURequirement) bool {
	if n.totalRAM < ram {
		return false
	}
	_, err := MatchGPUs(n.presentGPUs, gpus)
	return err == nil
}

// sufficient reports whether the node can hold the demand right now and
// returns the matched device ids.
func (n *nodeSnapshot) sufficient(ram int64, gpus []types.GPURequirement) ([]int, bool) {
	if !n.online || n.ramAvailable < ram {
		return nil, false
	}
	matched, err := MatchGPUs(n.gpusAvailable, gpus)
	if err != nil {
		return nil, false
	}
	return matched, true
}

// bestNode picks the placement target among sufficient candidates: nodes
// without any GPUs come first so GPU hosts stay free for GPU jobs, then the
// node with the fewest running batches, then the one with the least free
// RAM.
func bestNode(candidates []*nodeSnapshot) *nodeSnapshot {
	var best *nodeSnapshot
	for _, candidate := range candidates {
		if best == nil {
			best = candidate
			continue
		}
		if candidate.hasGPUs() != best.hasGPUs() {
			if !candidate.hasGPUs() {
				best = candidate
			}
			continue
		}
		if candidate.numRunning != best.numRunning {
			if candidate.numRunning < best.numRunning {
				best = candidate
			}
			continue
		}
		if candidate.ramAvailable < best.ramAvailable {
			best = candidate
		}
	}
	return best
}

// commit applies a placement to the local snapshot.
func (n *nodeSnapshot) commit(ram int64, usedGPUs []int) {
	n.ramAvailable -= ram
	if len(usedGPUs) > 0 {
		used := make(map[int]bool, len(usedGPUs))
		for _, id := range usedGPUs {
			used[id] = true
		}
		remaining := n.gpusAvailable[:0]
		for _, device := range n.gpusAvailable {
			if !used[device.ID] {
				remaining = append(remaining, device)
			}
		}
		n.gpusAvailable = remaining
	}
	n.numRunning++
}
