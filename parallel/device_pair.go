package parallel

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-dataparallel/memory"
)

// ErrInvalidTopology is returned for device lists that cannot form a tree
var ErrInvalidTopology = errors.New("invalid device topology")

// DevicePair is one edge of the synchronization tree. The root appears as
// the first pair with Parent -1.
type DevicePair struct {
	Parent int
	Device int
}

func (dp DevicePair) String() string {
	return fmt.Sprintf("%d:%d", dp.Parent, dp.Device)
}

// ComputePairs arranges devices into a binary reduction tree rooted at
// devices[0]. Devices on the same board are paired first, then devices with
// peer access, then whatever remains. Each round roughly halves the set of
// unpaired devices. The result depends only on the input.
func ComputePairs(devices []int, topo memory.Topology) ([]DevicePair, error) {
	if len(devices) == 0 {
		return nil, errors.Wrap(ErrInvalidTopology, "no devices")
	}
	seen := make(map[int]bool, len(devices))
	for _, d := range devices {
		if d < 0 {
			return nil, errors.Wrapf(ErrInvalidTopology, "negative device id %d", d)
		}
		if seen[d] {
			return nil, errors.Wrapf(ErrInvalidTopology, "device %d listed twice", d)
		}
		seen[d] = true
	}
	if topo == nil {
		topo = memory.FlatTopology{}
	}

	remaining := append([]int(nil), devices...)
	var pairs []DevicePair

	pairBy := func(near func(a, b int) bool) {
		for round := depth(len(remaining)); round > 0; round-- {
			for i := 0; i < len(remaining); i++ {
				for j := i + 1; j < len(remaining); j++ {
					if near(remaining[i], remaining[j]) {
						pairs = append(pairs, DevicePair{Parent: remaining[i], Device: remaining[j]})
						remaining = append(remaining[:j], remaining[j+1:]...)
						break
					}
				}
			}
		}
	}
	pairBy(topo.SameBoard)
	pairBy(topo.CanAccessPeer)

	// Neighbours; an odd device out waits for the next round
	for len(remaining) > 1 {
		for i := 0; i+1 < len(remaining); i++ {
			pairs = append(pairs, DevicePair{Parent: remaining[i], Device: remaining[i+1]})
			remaining = append(remaining[:i+1], remaining[i+2:]...)
		}
	}

	pairs = append([]DevicePair{{Parent: -1, Device: remaining[0]}}, pairs...)
	return pairs, nil
}

func depth(n int) int {
	if n <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(n))))
}
