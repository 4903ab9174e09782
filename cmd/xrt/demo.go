package main

import (
	"context"
	"math"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-xrt/internal/hlo"
	"github.com/23skdu/longbow-xrt/internal/literal"
	"github.com/23skdu/longbow-xrt/internal/shape"
	"github.com/23skdu/longbow-xrt/internal/xrt"
)

type demoResult struct {
	device  string
	sum     float32
	want    float32
	bytes   int64
	elapsed time.Duration
}

func (r *demoResult) log() {
	log.Info().
		Str("device", r.device).
		Float32("sum", r.sum).
		Int64("bytes", r.bytes).
		Dur("elapsed", r.elapsed).
		Msg("Demo complete")
}

// runDemo moves two vectors of n elements to the default device, computes
// sum(a + b) as a chained plan and checks the result on the host.
func runDemo(ctx context.Context, client *xrt.Client, n int) (*demoResult, error) {
	start := time.Now()
	d := client.DefaultDevice()

	a := make([]float32, n)
	b := make([]float32, n)
	var want float32
	for i := range a {
		a[i] = float32(i % 7)
		b[i] = float32(i % 3)
		want += a[i] + b[i]
	}
	sources := make([]xrt.TensorSource, 2)
	for i, values := range [][]float32{a, b} {
		l, err := literal.FromFloat32(dtypes.Float32, values, n)
		if err != nil {
			return nil, err
		}
		sources[i] = xrt.TensorSource{Shape: l.Shape, Populate: l.Populate}
	}
	data, err := client.TransferToServer(ctx, d, sources)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, v := range data {
			v.Release()
		}
	}()

	vec := shape.Make(dtypes.Float32, n)
	comps, err := client.Compile(ctx, d, nil, []xrt.CompileInstance{
		{Module: hlo.Add(vec)},
		{Module: hlo.Sum(vec)},
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, c := range comps {
			c.Release()
		}
	}()

	plan, err := xrt.NewChainedPlan([]xrt.ChainedOp{
		{Data: data[0]},
		{Data: data[1]},
		{Computation: comps[0], Inputs: []xrt.ChainedInput{{OpIndex: 0}, {OpIndex: 1}}},
		{Computation: comps[1], Inputs: []xrt.ChainedInput{{OpIndex: 2}}, Outputs: []xrt.ChainedOutput{{ResultIndex: 0}}},
	})
	if err != nil {
		return nil, err
	}
	results, err := client.ExecuteChained(ctx, plan, d)
	if err != nil {
		return nil, err
	}
	defer results[0].Release()

	lits, err := client.TransferFromServer(ctx, results)
	if err != nil {
		return nil, err
	}
	got, err := lits[0].Float32s()
	if err != nil {
		return nil, err
	}
	if len(got) != 1 || math.Abs(float64(got[0]-want)) > 1e-3*math.Abs(float64(want))+1e-6 {
		return nil, errors.Errorf("sum(a + b) = %v, want %v", got, want)
	}
	return &demoResult{
		device:  d,
		sum:     got[0],
		want:    want,
		bytes:   2*vec.ByteSize() + lits[0].SizeBytes(),
		elapsed: time.Since(start),
	}, nil
}
