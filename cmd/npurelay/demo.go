package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/npu"
)

// runDemo drives a mixed workload through c until d elapses or ctx ends:
// accelerator bmm and logsumexp, plus softshrink which has no accelerator
// kernel and is served by the host fallback.
func runDemo(ctx context.Context, c *npu.Context, d time.Duration) error {
	log.Info().Str("duration", d.String()).Msg("Starting demo workload")

	a, err := c.ToDevice(randomTensor([]int{8, 32, 64}))
	if err != nil {
		return err
	}
	b, err := c.ToDevice(randomTensor([]int{8, 64, 16}))
	if err != nil {
		return err
	}

	start := time.Now()
	deadline := start.Add(d)
	var calls int64
	for iter := 1; time.Now().Before(deadline) && ctx.Err() == nil; iter++ {
		prod, err := c.Call(ctx, "aten::bmm", a, b)
		if err != nil {
			return fmt.Errorf("bmm: %w", err)
		}
		prodT := prod[0].(*device.Tensor)
		if _, err := c.Call(ctx, "aten::logsumexp", prodT, []int64{-1}, false); err != nil {
			return fmt.Errorf("logsumexp: %w", err)
		}
		if _, err := c.Call(ctx, "aten::softshrink", prodT, 0.5); err != nil {
			return fmt.Errorf("softshrink: %w", err)
		}
		calls += 3

		if iter%100 == 0 {
			if err := c.Synchronize(ctx); err != nil {
				return err
			}
			elapsed := time.Since(start)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("calls", calls).
				Float64("calls_per_sec", float64(calls)/elapsed.Seconds()).
				Msg("Demo progress")
		}
	}
	if err := c.Synchronize(ctx); err != nil {
		return err
	}

	total := time.Since(start)
	log.Info().
		Int64("calls", calls).
		Dur("total_time", total).
		Float64("avg_calls_per_sec", float64(calls)/total.Seconds()).
		Strs("fallbacks", c.Fallback.Advisories()).
		Msg("Demo workload complete")
	return nil
}

func randomTensor(shape []int) *device.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = rand.Float32()*2 - 1
	}
	return device.NewTensor(shape, device.Float32, vals)
}
