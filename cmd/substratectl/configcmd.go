package main

import (
	"log/slog"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/substrate/config"
)

func effectiveConfigJSON(cfg config.Config) []byte {
	heapOptions := cfg.HeapOptions()
	poolConfig := cfg.PoolConfig()
	level, _ := cfg.Level()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	heapObj := obj.Name("Heap").Object()
	heapObj.Name("SegmentSize").Int(heapOptions.SegmentSize)
	fallbackArr := heapObj.Name("FallbackSegmentSizes").Array()
	for _, size := range heapOptions.FallbackSegmentSizes {
		fallbackArr.Int(size)
	}
	fallbackArr.End()
	heapObj.Name("PageSize").Int(heapOptions.PageSize)
	heapObj.Name("Alignment").Int(heapOptions.Alignment)
	heapObj.Name("MaxSegments").Int(heapOptions.MaxSegments)
	heapObj.Name("Flags").String(heapOptions.Flags.String())
	heapObj.End()

	poolObj := obj.Name("Pool").Object()
	poolObj.Name("EnablePooling").Bool(poolConfig.EnablePooling)
	poolObj.Name("MaxPoolSizePerBucket").Int(poolConfig.MaxPoolSizePerBucket)
	poolObj.Name("MaxTotalPooledBuffers").Int(poolConfig.MaxTotalPooledBuffers)
	poolObj.Name("BudgetBytes").Int(poolConfig.BudgetBytes)
	poolObj.Name("Alignment").Int(poolConfig.Alignment)
	poolObj.Name("LargeBufferThreshold").Int(poolConfig.LargeBufferThreshold)
	poolObj.Name("LargeBufferStep").Int(poolConfig.LargeBufferStep)
	poolObj.Name("DebugMode").Bool(poolConfig.DebugMode)
	poolObj.Name("Flags").String(cfg.PoolOptions().Flags.String())
	poolObj.End()

	obj.Name("LogLevel").String(level.String())
	obj.End()
	return writer.Bytes()
}

func buildConfigCmd(state *cliState) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Work with substrate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	checkCmd := &cobra.Command{
		Use:     "check <file>",
		Short:   "Validate a YAML, JSON, or TOML config file and print the effective settings",
		Example: "  substratectl config check substrate.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}

			err = cfg.Validate()
			if err != nil {
				return err
			}

			state.logger.Debug("config is valid", slog.String("Path", args[0]))

			_, err = cmd.OutOrStdout().Write(append(effectiveConfigJSON(cfg), '\n'))
			return err
		},
	}

	configCmd.AddCommand(checkCmd)
	return configCmd
}
