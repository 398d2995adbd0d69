// Command run sweeps a set of comb and chain geometries: DMRG ground state
// searches followed by a transverse field quench evolved with TDVP.
// Observations land in a sqlite database per run, convergence plots in PNGs,
// and a CSV summary on stdout.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	ttn "github.com/fumin/ttn"
	"github.com/fumin/ttn/ham"
	"github.com/fumin/ttn/sweep"
	"github.com/fumin/ttn/tree"
)

const (
	fnameObservations = "observations.db"
	fnamePlot         = "energy.png"
	fnameResult       = "result.txt"
	fnameDone         = "done.txt"
)

var (
	runDir = flag.String("d", filepath.Join("runs", "ttn"), "run directory")
)

type Statistics struct {
	Name       string
	Vertices   int
	MaxBondDim int
	Energy     float64
	TruncErr   float32
}

type groundConfig struct {
	name         string
	spine, tooth int
	j            complex64
	nSweeps      int
	maxDim       int
}

func solveGround(dir string, c groundConfig) error {
	tr := tree.Comb(c.spine, c.tooth)
	dims := ham.SpinHalfDims(tr)
	terms := ham.Heisenberg(tr, c.j, nil)
	op, err := ham.Compile(tr, dims, tr.Vertices()[0], terms, ham.SpinHalf())
	if err != nil {
		return errors.Wrap(err, "")
	}

	rnd := rand.New(rand.NewPCG(0, 1))
	s := ttn.RandState(tr, dims, 2, rnd)

	rec, err := sweep.NewRecorder(filepath.Join(dir, fnameObservations))
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer rec.Close()

	observers := []sweep.Observer{
		{Name: "energy", Granularity: sweep.PerSweep, F: func(ctx *sweep.Context) complex64 {
			return complex(float32(ctx.Energy), 0)
		}},
		{Name: "truncErr", Granularity: sweep.PerSweep, F: func(ctx *sweep.Context) complex64 {
			return complex(ctx.TruncErr, 0)
		}},
	}
	cfg := sweep.NewConfig().
		NSweeps(c.nSweeps).
		MaxDim(4, 8, c.maxDim).
		Cutoff(1e-8).
		Normalize(true).
		OutputLevel(1)
	res, err := sweep.RunDMRG(s, op, cfg, observers...)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := rec.Add(res.Rows); err != nil {
		return errors.Wrap(err, "")
	}

	sweeps := make([]float64, 0, len(res.Energies))
	for i := range res.Energies {
		sweeps = append(sweeps, float64(i))
	}
	if err := plotSeries(filepath.Join(dir, fnamePlot), "sweep", "energy", sweeps, res.Energies); err != nil {
		return errors.Wrap(err, "")
	}

	stats := Statistics{
		Name:       c.name,
		Vertices:   len(tr.Vertices()),
		MaxBondDim: s.MaxBondDim(),
		Energy:     res.Energies[len(res.Energies)-1],
		TruncErr:   res.TruncErr,
	}
	return writeStatistics(dir, stats)
}

// quench prepares every spin up, switches on a transverse field, and follows
// the middle-site magnetization under TDVP.
func quench(dir string) error {
	const n = 8
	tr := tree.Chain(n)
	dims := ham.SpinHalfDims(tr)
	table := ham.SpinHalf()

	op, err := ham.Compile(tr, dims, tree.Vertex{0, 0}, ham.TransverseFieldIsing(tr, 1, 1), table)
	if err != nil {
		return errors.Wrap(err, "")
	}
	mid := tree.Vertex{0, n / 2}
	sz, err := ham.Compile(tr, dims, tree.Vertex{0, 0}, []ham.Term{
		{Coeff: 1, Ops: []ham.SiteOp{{Op: "Sz", Site: mid}}},
	}, table)
	if err != nil {
		return errors.Wrap(err, "")
	}

	local := make(map[tree.Vertex][]complex64, n)
	for _, v := range tr.Vertices() {
		local[v] = []complex64{1, 0}
	}
	s, err := ttn.ProductState(tr, dims, local)
	if err != nil {
		return errors.Wrap(err, "")
	}

	rec, err := sweep.NewRecorder(filepath.Join(dir, fnameObservations))
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer rec.Close()

	observers := []sweep.Observer{
		{Name: "szMid", Granularity: sweep.PerSweep, F: func(ctx *sweep.Context) complex64 {
			return ctx.State.Expectation(sz)
		}},
		{Name: "energy", Granularity: sweep.PerSweep, F: func(ctx *sweep.Context) complex64 {
			return complex(float32(ctx.Energy), 0)
		}},
	}
	cfg := sweep.NewConfig().
		NSweeps(40).
		MaxDim(16).
		Cutoff(1e-8).
		TimeStep(0.05).
		ReverseStep(true).
		OutputLevel(1)
	res, err := sweep.RunTDVP(s, []sweep.Hamiltonian{{Op: op}}, cfg, observers...)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := rec.Add(res.Rows); err != nil {
		return errors.Wrap(err, "")
	}

	ts := make([]float64, 0, len(res.Rows))
	szs := make([]float64, 0, len(res.Rows))
	for _, row := range res.Rows {
		ts = append(ts, row.Time)
		szs = append(szs, float64(real(row.Values["szMid"])))
	}
	if err := plotSeries(filepath.Join(dir, fnamePlot), "time", "szMid", ts, szs); err != nil {
		return errors.Wrap(err, "")
	}

	stats := Statistics{
		Name:       "quench",
		Vertices:   n,
		MaxBondDim: s.MaxBondDim(),
		Energy:     res.Energies[len(res.Energies)-1],
		TruncErr:   res.TruncErr,
	}
	return writeStatistics(dir, stats)
}

func solve(dir string, fn func() error) error {
	donePath := filepath.Join(dir, fnameDone)
	if _, err := os.Stat(donePath); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}

	if err := fn(); err != nil {
		return errors.Wrap(err, "")
	}

	if err := os.WriteFile(donePath, nil, 0644); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func writeStatistics(dir string, stats Statistics) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := os.WriteFile(filepath.Join(dir, fnameResult), b, 0644); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func gather(dir string, names []string) ([]Statistics, error) {
	stats := make([]Statistics, 0, len(names))
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name, fnameResult))
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		var s Statistics
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, errors.Wrap(err, name)
		}
		stats = append(stats, s)
	}
	return stats, nil
}

func plotSeries(fpath, xLabel, yLabel string, xs, ys []float64) error {
	p := plot.New()
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel

	xys := make(plotter.XYs, 0, len(xs))
	for i := range xs {
		if math.IsNaN(ys[i]) {
			continue
		}
		xys = append(xys, plotter.XY{X: xs[i], Y: ys[i]})
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return errors.Wrap(err, "")
	}
	p.Add(line)

	if err := p.Save(15*vg.Centimeter, 10*vg.Centimeter, fpath); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr() error {
	if err := os.MkdirAll(*runDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}

	grounds := []groundConfig{
		{name: "chain16", spine: 16, tooth: 0, j: 1, nSweeps: 8, maxDim: 32},
		{name: "comb8x1", spine: 8, tooth: 1, j: 1, nSweeps: 10, maxDim: 32},
		{name: "comb4x3", spine: 4, tooth: 3, j: 1, nSweeps: 12, maxDim: 48},
	}
	names := make([]string, 0, len(grounds)+1)
	for _, c := range grounds {
		c := c
		dir := filepath.Join(*runDir, c.name)
		if err := solve(dir, func() error { return solveGround(dir, c) }); err != nil {
			return errors.Wrap(err, c.name)
		}
		names = append(names, c.name)
		log.Printf("%s done", c.name)
	}

	quenchDir := filepath.Join(*runDir, "quench")
	if err := solve(quenchDir, func() error { return quench(quenchDir) }); err != nil {
		return errors.Wrap(err, "")
	}
	names = append(names, "quench")
	log.Printf("quench done")

	stats, err := gather(*runDir, names)
	if err != nil {
		return errors.Wrap(err, "")
	}
	fmt.Printf("name,vertices,maxBondDim,energy,truncErr\n")
	for _, s := range stats {
		fmt.Printf("%s,%d,%d,%f,%g\n", s.Name, s.Vertices, s.MaxBondDim, s.Energy, s.TruncErr)
	}
	return nil
}
