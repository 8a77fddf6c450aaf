package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/lumen-ml/lumen/backend/webgpu"
	"github.com/lumen-ml/lumen/internal/config"
)

func infoCmd() *cli.Command {
	var configFile string

	return &cli.Command{
		Name:  "info",
		Usage: "Show device capabilities and engine configuration",
		Flags: []cli.Flag{
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
			adapters, err := webgpu.ListAdapters()
			if err != nil {
				return fmt.Errorf("no WebGPU adapters: %w", err)
			}
			for _, a := range adapters {
				fmt.Printf("available adapter:  %s (%v)\n", a.Device, a.BackendType)
			}
			gpu, err := webgpu.NewWithFlags(flags)
			if err != nil {
				return fmt.Errorf("no WebGPU device: %w", err)
			}
			defer gpu.Release()

			info := gpu.Context().AdapterInfo()
			caps := gpu.Context().Caps()
			fmt.Printf("adapter:            %s (%s)\n", info.Device, info.Description)
			fmt.Printf("backend:            %v\n", info.BackendType)
			fmt.Printf("float32 renderable: %v\n", caps.Float32Renderable)
			fmt.Printf("timestamp queries:  %v\n", caps.TimestampQuery)
			fmt.Printf("max texture dim:    %d\n", caps.MaxTextureDim)
			fmt.Printf("float precision:    %d bits\n", gpu.FloatPrecision())
			fmt.Printf("packing enabled:    %v\n", flags.PackEnabled)
			fmt.Printf("shape uniforms:     %v\n", flags.ShapeUniforms)
			fmt.Printf("fence strategy:     %s\n", flags.Fence)
			return nil
		},
	}
}

func loadFlags(configFile string) (*webgpu.Flags, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	return webgpu.FlagsFromEnv()
}
