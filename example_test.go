package ttn_test

import (
	"fmt"
	"log"
	"math/rand/v2"

	ttn "github.com/fumin/ttn"
	"github.com/fumin/ttn/ham"
	"github.com/fumin/ttn/sweep"
	"github.com/fumin/ttn/tree"
)

func Example() {
	// A two-site Heisenberg antiferromagnet.
	tr := tree.Chain(2)
	dims := ham.SpinHalfDims(tr)
	terms := ham.Heisenberg(tr, 1, nil)
	op, err := ham.Compile(tr, dims, tree.Vertex{0, 0}, terms, ham.SpinHalf())
	if err != nil {
		log.Fatalf("%+v", err)
	}

	// Search for the ground state, the spin singlet.
	rnd := rand.New(rand.NewPCG(1, 1))
	state := ttn.RandState(tr, dims, 2, rnd)
	cfg := sweep.NewConfig().NSweeps(2).MaxDim(2).Normalize(true)
	res, err := sweep.RunDMRG(state, op, cfg)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	fmt.Printf("Ground energy %.4f\n", res.Energies[len(res.Energies)-1])

	// Output:
	// Ground energy -0.7500
}
