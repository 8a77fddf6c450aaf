package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/lumen-ml/lumen/backend/webgpu"
	"github.com/lumen-ml/lumen/tensor"
)

// smokeKernel doubles every element.
var smokeKernel = &webgpu.Program{
	Name:      "SmokeDouble",
	Variables: []string{"a"},
	Source: `
fn run(i: i32) -> f32 {
    return 2.0 * read_a(i);
}
`,
}

func smokeCmd() *cli.Command {
	var (
		size       int64
		configFile string
	)

	return &cli.Command{
		Name:  "smoke",
		Usage: "Run a small end-to-end dispatch and verify the result",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "size",
				Aliases:     []string{"n"},
				Usage:       "number of elements to push through the GPU",
				Value:       1 << 16,
				Destination: &size,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to a YAML flag file",
				Destination: &configFile,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			flags, err := loadFlags(configFile)
			if err != nil {
				return err
			}
			gpu, err := webgpu.NewWithFlags(flags)
			if err != nil {
				return fmt.Errorf("no WebGPU device: %w", err)
			}
			defer gpu.Release()

			n := int(size)
			vals := make([]float32, n)
			for i := range vals {
				vals[i] = float32(i)
			}
			in, err := tensor.FromFloat32(tensor.Shape{n}, vals)
			if err != nil {
				return err
			}
			id := gpu.Write(in)
			defer gpu.DisposeData(id, true)

			prog := *smokeKernel
			prog.OutputShape = tensor.Shape{n}

			timing, err := gpu.Time(func() error {
				out, err := gpu.RunKernel(&prog, []webgpu.DataID{id}, tensor.Float32, nil)
				if err != nil {
					return err
				}
				defer gpu.DisposeData(out, true)

				got, err := gpu.ReadSync(out)
				if err != nil {
					return err
				}
				for i, v := range got.AsFloat32() {
					if v != 2*float32(i) {
						return fmt.Errorf("element %d: got %v, want %v", i, v, 2*float32(i))
					}
				}
				return nil
			})
			if err != nil {
				return err
			}

			mem := gpu.MemoryInfo()
			fmt.Printf("ok: %d elements round-tripped\n", n)
			fmt.Printf("wall time:    %.3f ms\n", timing.WallMs)
			if timing.DeviceTimeUnreliable {
				fmt.Println("device time:  unavailable")
			} else {
				fmt.Printf("device time:  %.3f ms\n", timing.DeviceMs)
				for _, k := range timing.Kernels {
					fmt.Printf("  %-12s%.3f ms\n", k.Name, k.Ms)
				}
			}
			fmt.Printf("gpu memory:   %d bytes allocated, %d pooled\n",
				mem.NumBytesInGPU, mem.NumBytesInPool)
			return nil
		},
	}
}
