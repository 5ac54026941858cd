package parallel

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tsawler/go-dataparallel/async"
	"github.com/tsawler/go-dataparallel/memory"
	"github.com/tsawler/go-dataparallel/training"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// ErrProtocol is returned when a node receives a signal from a node that is
// neither its parent (during broadcast) nor one of its children (during reduce)
var ErrProtocol = errors.New("synchronization protocol violation")

// Tree is the synchronization tree. Nodes live in an arena indexed by their
// position in the pair list; parent and child links are indices into it.
type Tree struct {
	pairs   []DevicePair
	nodes   []*Node
	average bool
}

// Node synchronizes one device's replica with its parent and children. It
// implements training.Callback.
type Node struct {
	tree     *Tree
	index    int
	deviceID int
	device   memory.Device
	parent   int // -1 for the root
	children []int

	params      *Params
	parentGrads *memory.Buffer // on the parent's device
	mailbox     *async.BlockingQueue[int]
	solver      *training.Solver
	solverApply bool // the solver's applyUpdate before Bind
}

// NewTree links pairs into a tree. A pair may name a parent that appears
// later in the list; links are resolved over repeated passes. deviceType
// selects the kind of device each id refers to.
func NewTree(pairs []DevicePair, deviceType memory.DeviceType) (*Tree, error) {
	if len(pairs) == 0 || pairs[0].Parent != -1 {
		return nil, errors.Wrap(ErrInvalidTopology, "first pair must be the root")
	}

	t := &Tree{pairs: append([]DevicePair(nil), pairs...)}
	t.nodes = make([]*Node, len(pairs))
	byDevice := make(map[int]int, len(pairs))

	newNode := func(i, parent int) {
		id := pairs[i].Device
		t.nodes[i] = &Node{
			tree:     t,
			index:    i,
			deviceID: id,
			device:   memory.Device{Type: deviceType, ID: id},
			parent:   parent,
			mailbox:  async.NewBlockingQueue[int](),
		}
		byDevice[id] = i
		if parent >= 0 {
			t.nodes[parent].children = append(t.nodes[parent].children, i)
		}
	}
	newNode(0, -1)

	for attempt := 1; attempt < len(pairs); attempt++ {
		for i := 1; i < len(pairs); i++ {
			if t.nodes[i] != nil {
				continue
			}
			if pairs[i].Parent == pairs[i].Device {
				return nil, errors.Wrapf(ErrInvalidTopology, "device %d is its own parent", pairs[i].Device)
			}
			if _, dup := byDevice[pairs[i].Device]; dup {
				return nil, errors.Wrapf(ErrInvalidTopology, "device %d appears twice", pairs[i].Device)
			}
			if parent, ok := byDevice[pairs[i].Parent]; ok {
				newNode(i, parent)
			}
		}
	}

	for i, n := range t.nodes {
		if n == nil {
			return nil, errors.Wrapf(ErrInvalidTopology, "pair %s is not connected to the root", pairs[i])
		}
	}
	return t, nil
}

// Allocate gives every node a copy of the root parameters on its own device
// and, for non-root nodes, a gradient buffer on the parent's device
func (t *Tree) Allocate(root []*training.Param, mm *memory.MemoryManager) error {
	for _, n := range t.nodes {
		params, err := NewParams(root, n.device, mm)
		if err != nil {
			t.Release()
			return errors.Wrapf(err, "node %d", n.index)
		}
		n.params = params
	}
	for _, n := range t.nodes[1:] {
		parent := t.nodes[n.parent]
		buf, err := mm.NewBuffer(n.params.Size(), parent.device)
		if err != nil {
			t.Release()
			return errors.Wrapf(err, "node %d: failed to allocate gradient buffer on %s", n.index, parent.device)
		}
		n.parentGrads = buf
	}
	return nil
}

// Release frees every node's buffers and unbinds every solver. Bound solvers
// keep private copies of their parameters.
func (t *Tree) Release() {
	for _, n := range t.nodes {
		if n.solver != nil && n.params != nil {
			detach(n.solver.Net().Params())
		}
		n.Unbind()
		if n.params != nil {
			n.params.Release()
			n.params = nil
		}
		if n.parentGrads != nil {
			n.parentGrads.Release()
			n.parentGrads = nil
		}
	}
}

// SetAverage makes the root scale the reduced gradient by 1/len(nodes)
func (t *Tree) SetAverage(average bool) {
	t.average = average
}

// Root returns the root node
func (t *Tree) Root() *Node {
	return t.nodes[0]
}

// Nodes returns the nodes in pair order
func (t *Tree) Nodes() []*Node {
	return t.nodes
}

// Pairs returns the pairs the tree was built from
func (t *Tree) Pairs() []DevicePair {
	return t.pairs
}

// Reduce runs one gradient reduction over every node concurrently. Afterwards
// the root's diff holds the sum of every node's diff.
func (t *Tree) Reduce(ctx context.Context) error {
	return t.each(ctx, (*Node).OnGradientsReady)
}

// Broadcast copies the root's data to every node concurrently
func (t *Tree) Broadcast(ctx context.Context) error {
	return t.each(ctx, (*Node).OnStart)
}

func (t *Tree) each(ctx context.Context, step func(*Node, context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range t.nodes {
		n := n
		g.Go(func() error {
			return step(n, gctx)
		})
	}
	return g.Wait()
}

// Bind attaches a solver replica: its parameters become views into the
// node's buffers, the node is registered as a callback and only the root
// applies updates
func (n *Node) Bind(solver *training.Solver) error {
	if err := n.params.Configure(solver.Net().Params()); err != nil {
		return errors.Wrapf(err, "node %d on %s", n.index, n.device)
	}
	if n.solver != nil {
		return errors.Errorf("node %d on %s already has a solver", n.index, n.device)
	}
	n.solverApply = solver.ApplyUpdateEnabled()
	solver.AddCallback(n)
	solver.SetApplyUpdate(n.IsRoot())
	n.solver = solver
	return nil
}

// Unbind removes the node from its solver's callbacks and restores the
// solver's update setting. The solver's parameters still point into the
// node's buffers until the tree is released.
func (n *Node) Unbind() {
	if n.solver == nil {
		return
	}
	n.solver.RemoveCallback(n)
	n.solver.SetApplyUpdate(n.solverApply)
	n.solver = nil
}

// OnStart waits for the parent's parameters, then passes them on to each
// child. The root has nothing to wait for.
func (n *Node) OnStart(ctx context.Context) error {
	if !n.IsRoot() {
		from, err := n.mailbox.Pop(ctx)
		if err != nil {
			return errors.Wrapf(err, "node %d waiting for parameters", n.index)
		}
		if from != n.parent {
			return errors.Wrapf(ErrProtocol, "node %d expected parameters from node %d, got node %d",
				n.index, n.parent, from)
		}
	}

	for _, c := range n.children {
		child := n.tree.nodes[c]
		if err := memory.PeerCopy(child.params.Data(), n.params.Data()); err != nil {
			return errors.Wrapf(err, "node %d broadcasting to node %d", n.index, c)
		}
		child.mailbox.Push(n.index)
	}
	return nil
}

// OnGradientsReady waits for every child's gradients, adds them into this
// node's diff in child order, then passes the sum to the parent
func (n *Node) OnGradientsReady(ctx context.Context) error {
	ready := make(map[int]bool, len(n.children))
	for range n.children {
		from, err := n.mailbox.Pop(ctx)
		if err != nil {
			return errors.Wrapf(err, "node %d waiting for gradients", n.index)
		}
		if !n.isChild(from) || ready[from] {
			return errors.Wrapf(ErrProtocol, "node %d got unexpected gradients from node %d", n.index, from)
		}
		ready[from] = true
	}

	diff := n.params.Diff().Float64s()
	for _, c := range n.children {
		floats.Add(diff, n.tree.nodes[c].parentGrads.Float64s())
	}

	if n.IsRoot() {
		if n.tree.average && len(n.tree.nodes) > 1 {
			floats.Scale(1/float64(len(n.tree.nodes)), diff)
		}
		return nil
	}

	if err := memory.PeerCopy(n.parentGrads, n.params.Diff()); err != nil {
		return errors.Wrapf(err, "node %d sending gradients", n.index)
	}
	n.tree.nodes[n.parent].mailbox.Push(n.index)
	return nil
}

func (n *Node) isChild(index int) bool {
	for _, c := range n.children {
		if c == index {
			return true
		}
	}
	return false
}

// IsRoot reports whether this node is the tree's root
func (n *Node) IsRoot() bool {
	return n.parent < 0
}

// Index returns the node's position in the arena
func (n *Node) Index() int {
	return n.index
}

// Parent returns the parent's index, -1 for the root
func (n *Node) Parent() int {
	return n.parent
}

// Children returns the children's indices
func (n *Node) Children() []int {
	return n.children
}

// DeviceID returns the device id this node was built from
func (n *Node) DeviceID() int {
	return n.deviceID
}

// Device returns the node's device
func (n *Node) Device() memory.Device {
	return n.device
}

// Params returns the node's flat parameter buffers
func (n *Node) Params() *Params {
	return n.params
}

// Solver returns the bound solver, nil before Bind
func (n *Node) Solver() *training.Solver {
	return n.solver
}
