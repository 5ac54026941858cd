package parallel

import (
	"context"
	"log"
	"runtime"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tsawler/go-dataparallel/async"
	"github.com/tsawler/go-dataparallel/memory"
	"github.com/tsawler/go-dataparallel/training"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for a synchronous data-parallel run
type Config struct {
	Devices    []int             // Device ids; the first one is the root
	DeviceType memory.DeviceType // Kind of device the ids refer to
	Topology   memory.Topology   // Proximity hints for pairing (nil = flat)
	Iterations int               // Iterations to run (0 = root MaxIter minus completed iterations)
	Average    bool              // Scale the reduced gradient by 1/len(Devices)
	RandomSeed int64             // When non-negative, replica i is seeded with RandomSeed + device id
}

// DefaultConfig returns a single-accelerator configuration
func DefaultConfig() Config {
	return Config{
		Devices:    []int{0},
		DeviceType: memory.GPU,
		RandomSeed: -1,
	}
}

// SolverFactory builds the solver replica for one device. seed is negative
// when the run is unseeded.
type SolverFactory func(device memory.Device, seed int64) (*training.Solver, error)

// Run trains root and one replica per additional device in lockstep.
// Gradients are summed up the tree onto the root, the root alone applies the
// update and the new parameters flow back down before the next iteration.
// Each replica runs on its own goroutine locked to an OS thread; the root runs
// on the caller's goroutine. The first error stops every node. When Run
// returns without error every replica holds the root's final parameters.
func Run(ctx context.Context, root *training.Solver, newSolver SolverFactory, mm *memory.MemoryManager, config Config) error {
	if root == nil {
		return errors.New("root solver cannot be nil")
	}
	if newSolver == nil && len(config.Devices) > 1 {
		return errors.New("solver factory is required for more than one device")
	}

	iters := config.Iterations
	if iters == 0 {
		iters = root.Config().MaxIter - root.Iter()
	}
	if iters <= 0 {
		return errors.Errorf("nothing to run: %d iterations", iters)
	}

	runID := uuid.NewString()

	pairs, err := ComputePairs(config.Devices, config.Topology)
	if err != nil {
		return err
	}
	tree, err := NewTree(pairs, config.DeviceType)
	if err != nil {
		return err
	}
	tree.SetAverage(config.Average)

	if want := tree.Root().Device(); !sameDevice(root.Device(), want) {
		return errors.Errorf("root solver is on %s, but the tree root is %s", root.Device(), want)
	}

	if err := tree.Allocate(root.Net().Params(), mm); err != nil {
		return errors.Wrap(err, "failed to allocate parameter buffers")
	}
	defer tree.Release()

	log.Printf("[%s] device pairs %v, %d parameters per replica, %d iterations",
		runID, pairs, tree.Root().Params().Size(), iters)

	if err := tree.Root().Bind(root); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	for _, n := range tree.Nodes()[1:] {
		n := n
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			seed := int64(-1)
			if config.RandomSeed >= 0 {
				seed = config.RandomSeed + int64(n.DeviceID())
			}
			solver, err := newSolver(n.Device(), seed)
			if err != nil {
				return errors.Wrapf(err, "failed to create solver on %s", n.Device())
			}
			if err := n.Bind(solver); err != nil {
				return err
			}

			log.Printf("[%s] node %d on %s started (parent %d)", runID, n.Index(), n.Device(), n.Parent())
			if err := runNode(gctx, n, iters); err != nil {
				return err
			}
			log.Printf("[%s] node %d on %s finished", runID, n.Index(), n.Device())
			return nil
		})
	}

	rootErr := runNode(gctx, tree.Root(), iters)
	if rootErr != nil {
		cancel()
	}
	waitErr := g.Wait()

	switch {
	case rootErr != nil && !isStopped(rootErr):
		return rootErr
	case waitErr != nil:
		return waitErr
	default:
		if rootErr == nil {
			log.Printf("[%s] finished %d iterations on %d devices", runID, iters, len(pairs))
		}
		return rootErr
	}
}

// runNode trains the bound solver, then takes part in one more broadcast so
// every replica ends with the root's final parameters
func runNode(ctx context.Context, n *Node, iters int) error {
	if err := n.Solver().Step(ctx, iters); err != nil {
		return errors.Wrapf(err, "node %d on %s", n.Index(), n.Device())
	}
	if err := n.OnStart(ctx); err != nil {
		return errors.Wrapf(err, "node %d final broadcast", n.Index())
	}
	return nil
}

// sameDevice compares ordinals only for accelerators; every host device is
// the same host
func sameDevice(a, b memory.Device) bool {
	if a.Type != b.Type {
		return false
	}
	return !a.IsAccelerator() || a.ID == b.ID
}

func isStopped(err error) bool {
	return errors.Is(err, async.ErrStopped) || errors.Is(err, context.Canceled)
}
