package sweep

import (
	"fmt"
	"log"
	"math"
	"slices"
	"time"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	ttn "github.com/fumin/ttn"
	"github.com/fumin/ttn/linalg"
	"github.com/fumin/ttn/tree"
	"github.com/fumin/ttn/util"
)

// Config holds sweep options.
type Config struct {
	nSweeps     int
	maxDims     []int
	cutoff      float32
	nSite       int
	reverseStep bool
	normalize   bool
	timeStep    complex64
	outputLevel int
}

// NewConfig returns the default sweep configuration: a single two-site sweep
// with bond dimensions capped at 64.
func NewConfig() Config {
	c := Config{}
	c.nSweeps = 1
	c.maxDims = []int{64}
	c.cutoff = 1e-7
	c.nSite = 2
	return c
}

// NSweeps sets the number of full sweeps.
func (c Config) NSweeps(n int) Config {
	c.nSweeps = n
	return c
}

// MaxDim sets the per-sweep bond dimension schedule. The last entry is
// repeated when there are more sweeps than entries.
func (c Config) MaxDim(dims ...int) Config {
	c.maxDims = dims
	return c
}

// Cutoff sets the relative truncation weight below which singular values are
// discarded.
func (c Config) Cutoff(cutoff float32) Config {
	c.cutoff = cutoff
	return c
}

// NSite sets the sweep region size, 1 or 2.
func (c Config) NSite(n int) Config {
	c.nSite = n
	return c
}

// ReverseStep enables the corrective backward half-step on the single-site
// tensor left behind after a two-site split. It cancels the Trotter error of
// two-site time evolution at the cost of roughly double the work.
func (c Config) ReverseStep(on bool) Config {
	c.reverseStep = on
	return c
}

// Normalize rescales the state to unit norm after every region update.
func (c Config) Normalize(on bool) Config {
	c.normalize = on
	return c
}

// TimeStep sets the simulated time advanced per sweep. A real value evolves
// in real time; a purely imaginary value with negative imaginary part decays
// toward the ground state.
func (c Config) TimeStep(dt complex64) Config {
	c.timeStep = dt
	return c
}

// OutputLevel sets verbosity: 0 silent, 1 throttled per-sweep progress,
// 2 every sweep.
func (c Config) OutputLevel(level int) Config {
	c.outputLevel = level
	return c
}

func (c Config) validate() error {
	if c.nSweeps < 1 {
		return errors.Errorf("nSweeps %d", c.nSweeps)
	}
	if c.nSite != 1 && c.nSite != 2 {
		return errors.Errorf("nSite %d", c.nSite)
	}
	if len(c.maxDims) == 0 {
		return errors.Errorf("empty maxDim schedule")
	}
	for _, d := range c.maxDims {
		if d < 1 {
			return errors.Errorf("maxDim %d", d)
		}
	}
	if c.cutoff < 0 || c.cutoff >= 1 {
		return errors.Errorf("cutoff %f", c.cutoff)
	}
	if c.reverseStep && c.nSite != 2 {
		return errors.Errorf("reverse step needs two-site regions")
	}
	return nil
}

func (c Config) maxDimAt(sweep int) int {
	if sweep < len(c.maxDims) {
		return c.maxDims[sweep]
	}
	return c.maxDims[len(c.maxDims)-1]
}

// Granularity selects how often an observer fires.
type Granularity int

const (
	PerRegion Granularity = iota
	PerSweep
)

// Context is the read-only view handed to observers. Observers must not
// mutate the state.
type Context struct {
	Sweep  int
	Step   int
	Region []tree.Vertex
	Time   float64
	// Energy is ⟨H(t)⟩ for per-sweep observers, and the local solver
	// energy for per-region ones.
	Energy      float64
	TruncErr    float32
	Diagnostics Diagnostics
	State       *ttn.State
}

// Observer is a named measurement accumulated into the result table.
type Observer struct {
	Name        string
	Granularity Granularity
	F           func(*Context) complex64
}

// Row is one observation record.
type Row struct {
	Sweep  int
	Step   int
	Time   float64
	Values map[string]complex64
}

// Result summarizes a run.
type Result struct {
	// Energies is ⟨H(t)⟩ after each sweep.
	Energies []float64
	// TruncErr is the cumulative relative truncation weight.
	TruncErr float32
	// NonConverged counts local solves that hit their iteration budget.
	NonConverged int
	Rows         []Row
}

// RunDMRG searches the ground state of op.
func RunDMRG(s *ttn.State, op *ttn.Operator, cfg Config, observers ...Observer) (*Result, error) {
	return Run(s, []Hamiltonian{{Op: op}}, DMRG{}, cfg, observers...)
}

// RunDMRGX follows the eigenstate closest to the initial state of s, which
// is typically a product state deep in the many-body localized regime.
func RunDMRGX(s *ttn.State, op *ttn.Operator, cfg Config, observers ...Observer) (*Result, error) {
	return Run(s, []Hamiltonian{{Op: op}}, DMRGX{}, cfg, observers...)
}

// RunTDVP evolves s under H(t) = Σ Coeff_i(t)·Op_i by cfg.TimeStep per
// sweep.
func RunTDVP(s *ttn.State, hs []Hamiltonian, cfg Config, observers ...Observer) (*Result, error) {
	if cfg.timeStep == 0 {
		return nil, errors.Errorf("zero time step")
	}
	if cfg.nSite != 2 {
		return nil, errors.Errorf("nSite %d", cfg.nSite)
	}
	return Run(s, hs, NewTDVP(), cfg, observers...)
}

// Run sweeps s with an arbitrary local solver. The orthogonality center
// walks an Euler tour of the tree, moving by one edge between consecutive
// regions, and environments are refreshed incrementally along the way.
func Run(s *ttn.State, hs []Hamiltonian, solver Solver, cfg Config, observers ...Observer) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	if len(hs) == 0 {
		return nil, errors.Errorf("no hamiltonian")
	}
	tr := s.Tree()
	for i, h := range hs {
		if h.Op == nil {
			return nil, errors.Errorf("hamiltonian %d has no operator", i)
		}
		if !slices.Equal(h.Op.Tree().Vertices(), tr.Vertices()) {
			return nil, errors.Errorf("hamiltonian %d tree mismatch", i)
		}
	}
	if err := s.Check(); err != nil {
		return nil, errors.Wrap(err, "")
	}

	caches := make([]*envCache, len(hs))
	for i, h := range hs {
		caches[i] = newEnvCache(h.Op, s)
	}

	tour := tr.EulerTour(tr.Vertices()[0])
	regions, err := makeRegions(tour, cfg.nSite)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	// Half of the time step per region, since the tour crosses every edge
	// twice per sweep.
	stepZ := -1i * cfg.timeStep / 2
	dtSweep := float64(real(cfg.timeStep))

	res := &Result{}
	throttler := util.NewSkipThrottler(10 * time.Second)
	step := 0
	for sw := 0; sw < cfg.nSweeps; sw++ {
		maxDim := cfg.maxDimAt(sw)
		for ri, region := range regions {
			if err := s.Orthogonalize(region[0]); err != nil {
				return nil, errors.Wrap(err, "")
			}
			t := (float64(sw) + float64(ri)/float64(len(regions))) * dtSweep
			p := Params{Time: t, Step: stepZ, Duration: dtSweep / float64(len(regions))}

			var diag Diagnostics
			var err error
			if cfg.nSite == 1 {
				next, hasNext := tree.Vertex{}, false
				if ri+1 < len(regions) {
					next, hasNext = regions[ri+1][0], true
				}
				diag, err = oneSiteStep(s, hs, caches, solver, region[0], next, hasNext, p)
			} else {
				last := ri == len(regions)-1
				diag, err = twoSiteStep(s, hs, caches, solver, region, p, maxDim, cfg, last, res)
			}
			if err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("sweep %d region %d", sw, ri))
			}
			if !diag.Converged {
				res.NonConverged++
			}
			if cfg.normalize {
				normalizeCenter(s)
			}

			observe(res, observers, PerRegion, &Context{
				Sweep: sw, Step: step, Region: region, Time: t,
				Energy: diag.Energy, TruncErr: res.TruncErr, Diagnostics: diag, State: s,
			})
			step++
		}

		t := float64(sw+1) * dtSweep
		energy := energyAt(s, hs, t)
		res.Energies = append(res.Energies, energy)
		// The per-sweep row owns its step index, so that rows keyed by
		// (step, name) never collide with the next sweep's first region.
		observe(res, observers, PerSweep, &Context{
			Sweep: sw, Step: step, Time: t,
			Energy: energy, TruncErr: res.TruncErr, State: s,
		})
		step++
		if cfg.outputLevel >= 2 || (cfg.outputLevel == 1 && throttler.Ok()) {
			log.Printf("sweep %d maxDim %d energy %f truncErr %g", sw, maxDim, energy, res.TruncErr)
		}
	}
	return res, nil
}

// makeRegions turns the Euler tour into the region sequence of one sweep.
func makeRegions(tour []tree.Vertex, nSite int) ([][]tree.Vertex, error) {
	regions := make([][]tree.Vertex, 0, len(tour))
	switch nSite {
	case 1:
		for _, v := range tour {
			regions = append(regions, []tree.Vertex{v})
		}
	case 2:
		if len(tour) < 2 {
			return nil, errors.Errorf("%d vertices is too few for two-site regions", len(tour))
		}
		for i := 0; i+1 < len(tour); i++ {
			regions = append(regions, []tree.Vertex{tour[i], tour[i+1]})
		}
	default:
		return nil, errors.Errorf("nSite %d", nSite)
	}
	return regions, nil
}

func oneSiteStep(s *ttn.State, hs []Hamiltonian, caches []*envCache, solver Solver, v, next tree.Vertex, hasNext bool, p Params) (Diagnostics, error) {
	eff := effOp(hs, caches, s, []tree.Vertex{v})
	out, diag, err := solver.Solve(eff, s.Tensor(v), p)
	if err != nil {
		return Diagnostics{}, errors.Wrap(err, "")
	}
	s.SetTensor(v, out)
	invalidate(caches, v)
	if hasNext {
		s.GaugeEdge(v, next)
		invalidate(caches, v)
		invalidate(caches, next)
	}
	return diag, nil
}

func twoSiteStep(s *ttn.State, hs []Hamiltonian, caches []*envCache, solver Solver, region []tree.Vertex, p Params, maxDim int, cfg Config, last bool, res *Result) (Diagnostics, error) {
	tr := s.Tree()
	a, b := region[0], region[1]
	ka, kb := tr.NeighborIndex(a, b), tr.NeighborIndex(b, a)
	ta, tb := s.Tensor(a), s.Tensor(b)

	rt := tensor.Contract(tensor.Zeros(1), ta, tb, [][2]int{{ka, kb}})
	eff := effOp(hs, caches, s, region)
	out, diag, err := solver.Solve(eff, rt, p)
	if err != nil {
		return Diagnostics{}, errors.Wrap(err, "")
	}

	// Split the region tensor back into per-vertex tensors, truncating the
	// new bond.
	aRest := shapeWithout(ta.Shape(), ka)
	bRest := shapeWithout(tb.Shape(), kb)
	m := resetCopy(tensor.Zeros(1), out).Reshape(prod(aRest), prod(bRest))
	u, sv, v, truncErr, err := linalg.SVD(m, maxDim, cfg.cutoff)
	if err != nil {
		return Diagnostics{}, errors.Wrap(err, "")
	}
	res.TruncErr += truncErr

	// The orthonormal factor stays at a, the weights move to b with the
	// center.
	s.SetTensor(a, unflattenBondLast(u, aRest, ka))
	k := len(sv)
	bm := tensor.Zeros(k, prod(bRest))
	for alpha := 0; alpha < k; alpha++ {
		for j := 0; j < prod(bRest); j++ {
			vja := v.At(j, alpha)
			bm.SetAt([]int{alpha, j}, complex(sv[alpha], 0)*complex(real(vja), -imag(vja)))
		}
	}
	s.SetTensor(b, unflattenBondFirst(bm, bRest, kb))
	s.SetCenter(b)
	invalidate(caches, a)
	invalidate(caches, b)

	// Corrective backward half-step on the tensor just separated out.
	if cfg.reverseStep && p.Step != 0 && !last {
		eff1 := effOp(hs, caches, s, []tree.Vertex{b})
		p1 := Params{Time: p.Time, Step: -p.Step, Duration: -p.Duration}
		out1, diag1, err := solver.Solve(eff1, s.Tensor(b), p1)
		if err != nil {
			return Diagnostics{}, errors.Wrap(err, "")
		}
		if !diag1.Converged {
			diag.Converged = false
		}
		s.SetTensor(b, out1)
		invalidate(caches, b)
	}
	return diag, nil
}

func invalidate(caches []*envCache, v tree.Vertex) {
	for _, c := range caches {
		c.invalidate(v)
	}
}

// energyAt computes ⟨ψ|H(t)|ψ⟩ / ⟨ψ|ψ⟩.
func energyAt(s *ttn.State, hs []Hamiltonian, t float64) float64 {
	n := complex128(s.InnerProduct(s))
	var e complex128
	for _, h := range hs {
		e += complex128(h.coeffAt(t)) * complex128(ttn.Sandwich(s, []*ttn.Operator{h.Op}, s))
	}
	return real(e / n)
}

func observe(res *Result, observers []Observer, g Granularity, ctx *Context) {
	var values map[string]complex64
	for _, o := range observers {
		if o.Granularity != g {
			continue
		}
		if values == nil {
			values = make(map[string]complex64)
		}
		values[o.Name] = o.F(ctx)
	}
	if values != nil {
		res.Rows = append(res.Rows, Row{Sweep: ctx.Sweep, Step: ctx.Step, Time: ctx.Time, Values: values})
	}
}

// normalizeCenter rescales the center tensor, where the entire norm lives in
// canonical form.
func normalizeCenter(s *ttn.State) {
	v, ok := s.Center()
	if !ok {
		panic("no center")
	}
	t := s.Tensor(v)
	var n2 float64
	for _, val := range t.All() {
		n2 += float64(real(val))*float64(real(val)) + float64(imag(val))*float64(imag(val))
	}
	n := math.Sqrt(n2)
	if n == 0 {
		panic(fmt.Sprintf("%v", v))
	}
	for ijk, val := range t.All() {
		t.SetAt(ijk, val/complex(float32(n), 0))
	}
}

func shapeWithout(shape []int, k int) []int {
	out := make([]int, 0, len(shape)-1)
	for i, d := range shape {
		if i == k {
			continue
		}
		out = append(out, d)
	}
	return out
}

func prod(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// unflattenBondLast reshapes u of shape (prod(rest), k) to rest dims with the
// bond axis inserted at position pos.
func unflattenBondLast(u *tensor.Dense, rest []int, pos int) *tensor.Dense {
	shape := append(append([]int{}, rest...), u.Shape()[1])
	t := u.Reshape(shape...)
	perm := make([]int, 0, len(shape))
	for i := 0; i < pos; i++ {
		perm = append(perm, i)
	}
	perm = append(perm, len(rest))
	for i := pos; i < len(rest); i++ {
		perm = append(perm, i)
	}
	return resetCopy(tensor.Zeros(1), t.Transpose(perm...))
}

// unflattenBondFirst reshapes m of shape (k, prod(rest)) to rest dims with
// the bond axis inserted at position pos.
func unflattenBondFirst(m *tensor.Dense, rest []int, pos int) *tensor.Dense {
	shape := append([]int{m.Shape()[0]}, rest...)
	t := m.Reshape(shape...)
	perm := make([]int, 0, len(shape))
	for i := 1; i <= pos; i++ {
		perm = append(perm, i)
	}
	perm = append(perm, 0)
	for i := pos + 1; i < len(shape); i++ {
		perm = append(perm, i)
	}
	return resetCopy(tensor.Zeros(1), t.Transpose(perm...))
}
