package nn

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"nnetcore/internal/model"
)

type NodeSpec struct {
	Name      string
	Dim       int
	Objective model.ObjectiveType
	// Nonlinearity names a registered output nonlinearity. Empty selects
	// log-softmax for linear objectives and identity otherwise.
	Nonlinearity string
}

type SimpleConfig struct {
	Inputs       []NodeSpec
	Outputs      []NodeSpec
	LearningRate float64
	// InitScale bounds the uniform initial weights; 0 leaves them at zero.
	InitScale float64
	Rand      *rand.Rand
}

type nodeKind int

const (
	inputNode nodeKind = iota
	outputNode
)

type node struct {
	NodeSpec
	kind nodeKind
	nl   Nonlinearity
}

// ComponentStats tracks how much data passed through an output and the sum of
// its pre-nonlinearity values per dimension.
type ComponentStats struct {
	Count    int
	ValueSum []float64
}

// SimpleNet is a single-layer network: every output node is an affine
// function of every input node followed by a row-wise nonlinearity.
// Per-utterance inputs (one row per sub-example at T == 0) are broadcast over
// the frames of their sub-example.
type SimpleNet struct {
	nodes          []node
	byName         map[string]int
	params         *Params
	learningRate   float64
	componentStats map[string]*ComponentStats
}

func NewSimpleNet(cfg SimpleConfig) (*SimpleNet, error) {
	if len(cfg.Inputs) == 0 || len(cfg.Outputs) == 0 {
		return nil, errors.New("network needs at least one input and one output")
	}
	if cfg.LearningRate <= 0 {
		return nil, errors.New("learning rate must be > 0")
	}
	if cfg.InitScale < 0 {
		return nil, errors.New("init scale must be >= 0")
	}
	if cfg.InitScale > 0 && cfg.Rand == nil {
		return nil, errors.New("random source is required for random init")
	}

	net := &SimpleNet{
		byName:         make(map[string]int),
		params:         NewParams(),
		learningRate:   cfg.LearningRate,
		componentStats: make(map[string]*ComponentStats),
	}
	add := func(spec NodeSpec, kind nodeKind) error {
		if spec.Name == "" || spec.Dim <= 0 {
			return fmt.Errorf("invalid node %q with dim %d", spec.Name, spec.Dim)
		}
		if _, exists := net.byName[spec.Name]; exists {
			return fmt.Errorf("duplicate node name %q", spec.Name)
		}
		nd := node{NodeSpec: spec, kind: kind}
		if kind == outputNode {
			name := spec.Nonlinearity
			if name == "" {
				name = NonlinearityIdentity
				if spec.Objective == model.ObjectiveLinear {
					name = NonlinearityLogSoftmax
				}
			}
			nl, err := GetNonlinearity(name)
			if err != nil {
				return fmt.Errorf("output %q: %w", spec.Name, err)
			}
			nd.nl = nl
		}
		net.byName[spec.Name] = len(net.nodes)
		net.nodes = append(net.nodes, nd)
		return nil
	}
	for _, spec := range cfg.Inputs {
		if err := add(spec, inputNode); err != nil {
			return nil, err
		}
	}
	for _, spec := range cfg.Outputs {
		if err := add(spec, outputNode); err != nil {
			return nil, err
		}
	}

	for _, out := range cfg.Outputs {
		for _, in := range cfg.Inputs {
			w := mat.NewDense(out.Dim, in.Dim, nil)
			if cfg.InitScale > 0 {
				data := w.RawMatrix().Data
				for i := range data {
					data[i] = (2*cfg.Rand.Float64() - 1) * cfg.InitScale
				}
			}
			if err := net.params.Add(weightName(out.Name, in.Name), w); err != nil {
				return nil, err
			}
		}
		if err := net.params.Add(biasName(out.Name), mat.NewDense(1, out.Dim, nil)); err != nil {
			return nil, err
		}
		net.componentStats[out.Name] = &ComponentStats{ValueSum: make([]float64, out.Dim)}
	}
	return net, nil
}

func weightName(output, input string) string {
	return output + "." + input + ".weight"
}

func biasName(output string) string {
	return output + ".bias"
}

func (n *SimpleNet) NodeIndex(name string) int {
	i, ok := n.byName[name]
	if !ok {
		return -1
	}
	return i
}

func (n *SimpleNet) IsInputNode(i int) bool {
	return i >= 0 && i < len(n.nodes) && n.nodes[i].kind == inputNode
}

func (n *SimpleNet) IsOutputNode(i int) bool {
	return i >= 0 && i < len(n.nodes) && n.nodes[i].kind == outputNode
}

func (n *SimpleNet) ObjectiveType(i int) model.ObjectiveType {
	return n.nodes[i].Objective
}

func (n *SimpleNet) Params() *Params {
	return n.params
}

func (n *SimpleNet) ComponentStats(output string) (ComponentStats, bool) {
	s, ok := n.componentStats[output]
	if !ok {
		return ComponentStats{}, false
	}
	return ComponentStats{Count: s.Count, ValueSum: append([]float64(nil), s.ValueSum...)}, true
}

func (n *SimpleNet) ZeroComponentStats() {
	for _, s := range n.componentStats {
		s.Count = 0
		for i := range s.ValueSum {
			s.ValueSum[i] = 0
		}
	}
}

func (n *SimpleNet) inputNodes() []node {
	var out []node
	for _, nd := range n.nodes {
		if nd.kind == inputNode {
			out = append(out, nd)
		}
	}
	return out
}

type compiledOutput struct {
	name    string
	node    node
	numRows int
	// rows[input][r] is the input row feeding output row r.
	rows map[string][]int
}

type simpleComputation struct {
	req     *ComputationRequest
	outputs []compiledOutput
}

func (c *simpleComputation) Request() *ComputationRequest {
	return c.req
}

// Compile resolves, for every requested output row, the row of each input it
// reads: the row with the identical index, or failing that the row of the
// same sub-example at T == 0.
func (n *SimpleNet) Compile(req *ComputationRequest) (Computation, error) {
	inputs := make(map[string]IOSpec, len(req.Inputs))
	for _, spec := range req.Inputs {
		if !n.IsInputNode(n.NodeIndex(spec.Name)) {
			return nil, fmt.Errorf("request input %q: %w", spec.Name, ErrUnknownNode)
		}
		inputs[spec.Name] = spec
	}
	for _, in := range n.inputNodes() {
		if _, ok := inputs[in.Name]; !ok {
			return nil, fmt.Errorf("request lacks network input %q", in.Name)
		}
	}

	type lookup struct {
		exact  map[model.Index]int
		perUtt map[int]int
	}
	lookups := make(map[string]lookup, len(inputs))
	for name, spec := range inputs {
		l := lookup{exact: make(map[model.Index]int, len(spec.Indexes)), perUtt: make(map[int]int)}
		for r, idx := range spec.Indexes {
			if _, dup := l.exact[idx]; !dup {
				l.exact[idx] = r
			}
			if _, dup := l.perUtt[idx.N]; !dup && idx.T == 0 {
				l.perUtt[idx.N] = r
			}
		}
		lookups[name] = l
	}

	comp := &simpleComputation{req: cloneRequest(req)}
	for _, spec := range req.Outputs {
		i := n.NodeIndex(spec.Name)
		if !n.IsOutputNode(i) {
			return nil, fmt.Errorf("request output %q: %w", spec.Name, ErrUnknownNode)
		}
		if len(spec.Indexes) == 0 {
			return nil, fmt.Errorf("request output %q has no rows", spec.Name)
		}
		out := compiledOutput{name: spec.Name, node: n.nodes[i], numRows: len(spec.Indexes), rows: make(map[string][]int, len(inputs))}
		for name, l := range lookups {
			rows := make([]int, len(spec.Indexes))
			for r, idx := range spec.Indexes {
				row, ok := l.exact[idx]
				if !ok {
					row, ok = l.perUtt[idx.N]
				}
				if !ok {
					return nil, fmt.Errorf("output %q index %+v has no matching row in input %q", spec.Name, idx, name)
				}
				rows[r] = row
			}
			out.rows[name] = rows
		}
		comp.outputs = append(comp.outputs, out)
	}
	return comp, nil
}

func (n *SimpleNet) NewComputer(comp Computation, toUpdate *Params) (Computer, error) {
	c, ok := comp.(*simpleComputation)
	if !ok {
		return nil, fmt.Errorf("computation %T was not compiled by this network", comp)
	}
	if toUpdate != nil {
		n.params.mustMatch(toUpdate)
	}
	return &simpleComputer{
		net:         n,
		comp:        c,
		toUpdate:    toUpdate,
		inputs:      make(map[string]*mat.Dense),
		gathered:    make(map[string]map[string]*mat.Dense),
		preAct:      make(map[string]*mat.Dense),
		outputs:     make(map[string]*mat.Dense),
		outDerivs:   make(map[string]*mat.Dense),
		inputDerivs: make(map[string]*mat.Dense),
	}, nil
}

type simpleComputer struct {
	net      *SimpleNet
	comp     *simpleComputation
	toUpdate *Params

	inputs      map[string]*mat.Dense
	gathered    map[string]map[string]*mat.Dense
	preAct      map[string]*mat.Dense
	outputs     map[string]*mat.Dense
	outDerivs   map[string]*mat.Dense
	inputDerivs map[string]*mat.Dense

	forwardDone  bool
	backwardDone bool
}

// AcceptInputs binds the features of every requested input; other blocks
// (supervision) are ignored.
func (c *simpleComputer) AcceptInputs(ios []model.IO) error {
	for _, io := range ios {
		spec, ok := c.inputSpec(io.Name)
		if !ok {
			continue
		}
		rows, cols := io.Features.Dims()
		nd := c.net.nodes[c.net.NodeIndex(io.Name)]
		if rows != len(spec.Indexes) || cols != nd.Dim {
			return fmt.Errorf("input %q is %dx%d, computation expects %dx%d", io.Name, rows, cols, len(spec.Indexes), nd.Dim)
		}
		c.inputs[io.Name] = io.Features.Dense()
	}
	return nil
}

func (c *simpleComputer) inputSpec(name string) (IOSpec, bool) {
	for _, spec := range c.comp.req.Inputs {
		if spec.Name == name {
			return spec, true
		}
	}
	return IOSpec{}, false
}

func (c *simpleComputer) Forward() error {
	for _, spec := range c.comp.req.Inputs {
		if _, ok := c.inputs[spec.Name]; !ok {
			return fmt.Errorf("input %q was not provided", spec.Name)
		}
	}

	for _, out := range c.comp.outputs {
		numRows := out.numRows
		z := mat.NewDense(numRows, out.node.Dim, nil)
		c.gathered[out.name] = make(map[string]*mat.Dense, len(out.rows))
		for inName, rows := range out.rows {
			x := gatherRows(c.inputs[inName], rows)
			c.gathered[out.name][inName] = x
			w, _ := c.net.params.Block(weightName(out.name, inName))
			var t mat.Dense
			t.Mul(x, w.T())
			z.Add(z, &t)
		}
		b, _ := c.net.params.Block(biasName(out.name))
		for r := 0; r < numRows; r++ {
			floats.Add(z.RawRowView(r), b.RawRowView(0))
		}

		y := mat.DenseCopyOf(z)
		for r := 0; r < numRows; r++ {
			out.node.nl.Forward(y.RawRowView(r))
		}
		c.preAct[out.name] = z
		c.outputs[out.name] = y

		if c.comp.req.StoreComponentStats {
			s := c.net.componentStats[out.name]
			s.Count += numRows
			for r := 0; r < numRows; r++ {
				floats.Add(s.ValueSum, z.RawRowView(r))
			}
		}
	}
	c.forwardDone = true
	return nil
}

func (c *simpleComputer) Output(name string) (*mat.Dense, error) {
	if !c.forwardDone {
		return nil, errors.New("forward has not run")
	}
	y, ok := c.outputs[name]
	if !ok {
		return nil, fmt.Errorf("no output named %q in computation", name)
	}
	return y, nil
}

func (c *simpleComputer) AcceptOutputDeriv(name string, deriv *mat.Dense) error {
	y, err := c.Output(name)
	if err != nil {
		return err
	}
	r1, c1 := y.Dims()
	r2, c2 := deriv.Dims()
	if r1 != r2 || c1 != c2 {
		return fmt.Errorf("output deriv for %q is %dx%d, output is %dx%d", name, r2, c2, r1, c1)
	}
	c.outDerivs[name] = deriv
	return nil
}

func (c *simpleComputer) Backward() error {
	if !c.forwardDone {
		return errors.New("forward has not run")
	}
	lr := c.net.learningRate
	if c.toUpdate != nil && c.toUpdate.IsGradient() {
		lr = 1
	}

	for _, spec := range c.comp.req.Inputs {
		if spec.HasDeriv {
			rows, _ := c.inputs[spec.Name].Dims()
			c.inputDerivs[spec.Name] = mat.NewDense(rows, c.net.nodes[c.net.NodeIndex(spec.Name)].Dim, nil)
		}
	}

	for _, out := range c.comp.outputs {
		dy, ok := c.outDerivs[out.name]
		if !ok {
			continue
		}
		dz := mat.DenseCopyOf(dy)
		y := c.outputs[out.name]
		for r := 0; r < out.numRows; r++ {
			out.node.nl.Backward(y.RawRowView(r), dz.RawRowView(r))
		}

		for inName, rows := range out.rows {
			w, _ := c.net.params.Block(weightName(out.name, inName))
			if dx, ok := c.inputDerivs[inName]; ok {
				var t mat.Dense
				t.Mul(dz, w)
				for r, src := range rows {
					floats.Add(dx.RawRowView(src), t.RawRowView(r))
				}
			}
			if c.toUpdate != nil && c.comp.req.NeedModelDerivative {
				var g mat.Dense
				g.Mul(dz.T(), c.gathered[out.name][inName])
				wu, _ := c.toUpdate.Block(weightName(out.name, inName))
				floats.AddScaled(raw(wu), lr, raw(&g))
			}
		}
		if c.toUpdate != nil && c.comp.req.NeedModelDerivative {
			bu, _ := c.toUpdate.Block(biasName(out.name))
			rows, _ := dz.Dims()
			for r := 0; r < rows; r++ {
				floats.AddScaled(bu.RawRowView(0), lr, dz.RawRowView(r))
			}
		}
	}
	c.backwardDone = true
	return nil
}

func (c *simpleComputer) InputDeriv(name string) (*mat.Dense, error) {
	if !c.backwardDone {
		return nil, errors.New("backward has not run")
	}
	dx, ok := c.inputDerivs[name]
	if !ok {
		return nil, fmt.Errorf("no derivative was requested for input %q", name)
	}
	return dx, nil
}

func gatherRows(src *mat.Dense, rows []int) *mat.Dense {
	_, cols := src.Dims()
	out := mat.NewDense(len(rows), cols, nil)
	for r, s := range rows {
		out.SetRow(r, src.RawRowView(s))
	}
	return out
}
