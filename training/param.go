package training

import "fmt"

// Param is a learnable parameter: its values and the gradient of the loss
// with respect to them. Data and Diff may be views into larger buffers.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Diff  []float64
}

// NewParam allocates a zeroed parameter of the given shape
func NewParam(name string, shape ...int) *Param {
	p := &Param{Name: name, Shape: append([]int(nil), shape...)}
	n := p.Count()
	p.Data = make([]float64, n)
	p.Diff = make([]float64, n)
	return p
}

// Count returns the number of elements implied by Shape
func (p *Param) Count() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

func (p *Param) String() string {
	return fmt.Sprintf("%s%v", p.Name, p.Shape)
}
