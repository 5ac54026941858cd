package parallel

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tsawler/go-dataparallel/memory"
	"github.com/tsawler/go-dataparallel/training"
)

func rootParams() []*training.Param {
	w := training.NewParam("weight", 2, 3)
	b := training.NewParam("bias", 2)
	for i := range w.Data {
		w.Data[i] = float64(i) + 0.5
	}
	b.Data[0], b.Data[1] = -1, 1
	return []*training.Param{w, b}
}

func buildTree(t *testing.T, devices []int) *Tree {
	t.Helper()
	pairs, err := ComputePairs(devices, nil)
	if err != nil {
		t.Fatalf("ComputePairs: %v", err)
	}
	tree, err := NewTree(pairs, memory.GPU)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	if err := tree.Allocate(rootParams(), memory.NewMemoryManager()); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	t.Cleanup(tree.Release)
	return tree
}

func withTimeout(t *testing.T, f func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out: possible deadlock")
		return nil
	}
}

func TestParamsLayout(t *testing.T) {
	root := rootParams()
	p, err := NewParams(root, memory.GPUDevice(0), memory.NewMemoryManager())
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	defer p.Release()

	if p.Size() != 8 {
		t.Errorf("Expected size 8, got %d", p.Size())
	}
	if offs := p.Offsets(); offs[0] != 0 || offs[1] != 6 {
		t.Errorf("offsets = %v, want [0 6]", offs)
	}
	data := p.Data().Float64s()
	if data[0] != 0.5 || data[5] != 5.5 || data[6] != -1 || data[7] != 1 {
		t.Errorf("data not copied from root: %v", data)
	}
	for _, g := range p.Diff().Float64s() {
		if g != 0 {
			t.Fatalf("diff not zeroed: %v", p.Diff().Float64s())
		}
	}

	replica := []*training.Param{training.NewParam("w", 2, 3), training.NewParam("b", 2)}
	if err := p.Configure(replica); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	replica[1].Data[1] = 42
	if data[7] != 42 {
		t.Error("replica parameter is not a view into the flat buffer")
	}
	replica[0].Diff[0] = 3
	if p.Diff().Float64s()[0] != 3 {
		t.Error("replica gradient is not a view into the flat buffer")
	}
	if cap(replica[0].Data) != 6 {
		t.Errorf("view capacity %d leaks into the next parameter", cap(replica[0].Data))
	}
}

func TestParamsErrors(t *testing.T) {
	mm := memory.NewMemoryManager()
	if _, err := NewParams(nil, memory.CPUDevice(), mm); err == nil {
		t.Error("expected error for no parameters")
	}

	p, err := NewParams(rootParams(), memory.CPUDevice(), mm)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	bad := []*training.Param{training.NewParam("w", 3, 2), training.NewParam("b", 2)}
	if err := p.Configure(bad); err == nil {
		t.Error("expected error for shape mismatch")
	}
	if err := p.Configure(bad[:1]); err == nil {
		t.Error("expected error for parameter count mismatch")
	}

	mm.SetCapacity(memory.GPUDevice(1), 4)
	if _, err := NewParams(rootParams(), memory.GPUDevice(1), mm); !errors.Is(err, memory.ErrOutOfMemory) {
		t.Errorf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestReduceFourDevices(t *testing.T) {
	tree := buildTree(t, []int{0, 1, 2, 3})
	for _, n := range tree.Nodes() {
		diff := n.Params().Diff().Float64s()
		for i := range diff {
			diff[i] = float64(n.DeviceID() + 1)
		}
	}

	if err := withTimeout(t, func() error { return tree.Reduce(context.Background()) }); err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	for i, g := range tree.Root().Params().Diff().Float64s() {
		if g != 10 {
			t.Errorf("root diff[%d] = %g, want 10", i, g)
		}
	}
}

func TestReduceExactSumAnyShape(t *testing.T) {
	for n := 1; n <= 9; n++ {
		devices := make([]int, n)
		for i := range devices {
			devices[i] = n - i
		}
		tree := buildTree(t, devices)

		want := make([]float64, tree.Root().Params().Size())
		for _, node := range tree.Nodes() {
			diff := node.Params().Diff().Float64s()
			for i := range diff {
				diff[i] = float64((node.DeviceID()*7 + i*3) % 11)
				want[i] += diff[i]
			}
		}

		if err := withTimeout(t, func() error { return tree.Reduce(context.Background()) }); err != nil {
			t.Fatalf("n=%d: Reduce: %v", n, err)
		}
		got := tree.Root().Params().Diff().Float64s()
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("n=%d: root diff[%d] = %g, want %g", n, i, got[i], want[i])
			}
		}
	}
}

func TestReduceAverage(t *testing.T) {
	tree := buildTree(t, []int{0, 1, 2, 3})
	tree.SetAverage(true)
	for _, n := range tree.Nodes() {
		n.Params().Diff().Float64s()[0] = float64(n.DeviceID() + 1)
	}
	if err := withTimeout(t, func() error { return tree.Reduce(context.Background()) }); err != nil {
		t.Fatal(err)
	}
	if got := tree.Root().Params().Diff().Float64s()[0]; got != 2.5 {
		t.Errorf("averaged gradient = %g, want 2.5", got)
	}
}

func TestBroadcastBitIdentical(t *testing.T) {
	tree := buildTree(t, []int{0, 1, 2, 3, 4, 5})
	rootData := tree.Root().Params().Data().Float64s()
	for i := range rootData {
		rootData[i] = math.Pi * float64(i+1) / 3
	}

	if err := withTimeout(t, func() error { return tree.Broadcast(context.Background()) }); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, n := range tree.Nodes() {
		data := n.Params().Data().Float64s()
		for i := range data {
			if math.Float64bits(data[i]) != math.Float64bits(rootData[i]) {
				t.Errorf("node %d data[%d] = %v, root has %v", n.Index(), i, data[i], rootData[i])
			}
		}
	}
}

func TestParentGradsOnParentDevice(t *testing.T) {
	tree := buildTree(t, []int{0, 1, 2, 3})
	for _, n := range tree.Nodes()[1:] {
		parent := tree.Nodes()[n.Parent()]
		if n.parentGrads.Device() != parent.Device() {
			t.Errorf("node %d gradient buffer on %s, parent on %s", n.Index(), n.parentGrads.Device(), parent.Device())
		}
	}
}

func TestSingleDeviceTree(t *testing.T) {
	tree := buildTree(t, []int{5})
	diff := tree.Root().Params().Diff().Float64s()
	diff[0] = 7
	if err := tree.Reduce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := tree.Broadcast(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff[0] != 7 {
		t.Errorf("single device diff changed to %g", diff[0])
	}
	if tree.Root().Device() != memory.GPUDevice(5) {
		t.Errorf("root device = %s, want gpu:5", tree.Root().Device())
	}
}

func TestProtocolViolations(t *testing.T) {
	tree := buildTree(t, []int{0, 1, 2, 3})
	ctx := context.Background()

	// node 1 is a child of the root; node 2 is not its parent
	tree.Nodes()[1].mailbox.Push(2)
	if err := tree.Nodes()[1].OnStart(ctx); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol from OnStart, got %v", err)
	}

	// root children are 1 and 3; node 2 belongs to node 3
	root := tree.Root()
	root.mailbox.Push(1)
	root.mailbox.Push(2)
	if err := root.OnGradientsReady(ctx); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol for a non-child, got %v", err)
	}

	root.mailbox.Push(1)
	root.mailbox.Push(1)
	if err := root.OnGradientsReady(ctx); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol for a repeated child, got %v", err)
	}
}

func TestReduceStopsOnCancel(t *testing.T) {
	tree := buildTree(t, []int{0, 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// the root waits for a child that never reports
	err := withTimeout(t, func() error { return tree.Root().OnGradientsReady(ctx) })
	if err == nil {
		t.Fatal("expected error after cancel")
	}
}
