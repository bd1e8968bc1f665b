package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/substrate/capability"
	"github.com/vkngwrapper/substrate/config"
	"github.com/vkngwrapper/substrate/device"
	"github.com/vkngwrapper/substrate/device/simulated"
	"github.com/vkngwrapper/substrate/memutils"
	"github.com/vkngwrapper/substrate/metrics"
	"github.com/vkngwrapper/substrate/session"
)

const (
	mib = 1024 * 1024

	maxWeightChunk = 16 * mib
	scratchUsage   = device.BufferUsageStorage | device.BufferUsageCopyDst | device.BufferUsageCopySrc
	uniformUsage   = device.BufferUsageUniform | device.BufferUsageCopyDst
)

type simulateOptions struct {
	configPath  string
	weightsMB   int
	steps       int
	scratchMB   int
	metricsAddr string
	linger      time.Duration
	segmented   bool
}

func (o simulateOptions) validate() error {
	if o.weightsMB < 0 || o.scratchMB < 0 || o.steps < 0 {
		return errors.New("--weights-mb, --scratch-mb, and --steps may not be negative")
	}
	return nil
}

func buildSimulateCmd(state *cliState) *cobra.Command {
	var options simulateOptions

	cmd := &cobra.Command{
		Use:     "simulate",
		Short:   "Load weights and run inference steps against a simulated GPU device",
		Example: "  substratectl simulate --weights-mb 256 --steps 16 --scratch-mb 8\n  substratectl simulate --config substrate.yaml --metrics-addr :9090 --linger 1m",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := options.validate()
			if err != nil {
				return err
			}

			var cfg config.Config
			if options.configPath != "" {
				cfg, err = config.Load(options.configPath)
				if err != nil {
					return err
				}
			}

			report, err := runSimulation(cmd.Context(), state.logger, cfg, options)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(append(report, '\n'))
			return err
		},
	}

	cmd.Flags().StringVar(&options.configPath, "config", "", "Path to a YAML, JSON, or TOML config file")
	cmd.Flags().IntVar(&options.weightsMB, "weights-mb", 64, "Megabytes of model weights to stage")
	cmd.Flags().IntVar(&options.steps, "steps", 8, "Number of inference steps to simulate")
	cmd.Flags().IntVar(&options.scratchMB, "scratch-mb", 4, "Megabytes of scratch buffer acquired per step")
	cmd.Flags().StringVar(&options.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while simulating")
	cmd.Flags().DurationVar(&options.linger, "linger", 0, "Keep serving metrics this long after the simulation finishes")
	cmd.Flags().BoolVar(&options.segmented, "segmented", false, "Report no growable region so the segmented heap strategy is used")

	return cmd
}

func serveMetrics(logger *slog.Logger, addr string, sess *session.Session) (func(), error) {
	registry := prometheus.NewRegistry()
	err := registry.Register(metrics.NewCollector("substrate", sess.Heap(), sess.Pool()))
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux}

	go func() {
		logger.Info("serving metrics", slog.String("Address", listener.Addr().String()))
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("Error", err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := server.Shutdown(ctx)
		if err != nil {
			logger.Warn("metrics server shutdown failed", slog.Any("Error", err))
		}
	}, nil
}

func stageWeights(ctx context.Context, sess *session.Session, totalBytes int) ([]device.Buffer, error) {
	var buffers []device.Buffer

	for layer := 0; totalBytes > 0; layer++ {
		size := min(totalBytes, maxWeightChunk)
		totalBytes -= size

		data := make([]byte, size)
		for i := range data {
			data[i] = byte(layer + i)
		}

		buffer, err := sess.StageWeights(ctx, data, fmt.Sprintf("weights:layer%d", layer))
		if err != nil {
			return buffers, err
		}
		buffers = append(buffers, buffer)
	}

	return buffers, nil
}

func runStep(sess *session.Session, scratchBytes int) error {
	pool := sess.Pool()

	uniforms, err := pool.Acquire(256, uniformUsage, "uniforms")
	if err != nil {
		return err
	}
	defer pool.Release(uniforms)

	err = pool.UploadData(uniforms, make([]byte, 256), 0)
	if err != nil {
		return err
	}

	if scratchBytes == 0 {
		return nil
	}

	scratch, err := pool.Acquire(scratchBytes, scratchUsage, "scratch")
	if err != nil {
		return err
	}
	defer pool.Release(scratch)

	return pool.UploadData(scratch, make([]byte, scratchBytes), 0)
}

func printStatistics(json *jwriter.ObjectState, name string, stats memutils.Statistics) {
	obj := json.Name(name).Object()
	obj.Name("BlockCount").Int(stats.BlockCount)
	obj.Name("AllocationCount").Int(stats.AllocationCount)
	obj.Name("BlockBytes").Int(stats.BlockBytes)
	obj.Name("AllocationBytes").Int(stats.AllocationBytes)
	obj.End()
}

func runSimulation(ctx context.Context, logger *slog.Logger, cfg config.Config, options simulateOptions) (report []byte, err error) {
	caps := capability.Detect()
	if options.segmented {
		caps.HasGrowableRegion = false
		caps.MaxRegionSize = 0
	}

	dev := simulated.New(simulated.Options{Limits: device.LimitsFromCapabilities(caps.Device)})

	sess, err := session.Open(ctx, logger, capability.Once(capability.Static(caps)), dev, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.CombineErrors(err, sess.Close(ctx))
	}()

	if options.metricsAddr != "" {
		shutdown, err := serveMetrics(logger, options.metricsAddr, sess)
		if err != nil {
			return nil, err
		}
		defer shutdown()
	}

	weights, err := stageWeights(ctx, sess, options.weightsMB*mib)
	defer func() {
		for _, buffer := range weights {
			sess.Pool().Release(buffer)
		}
	}()
	if err != nil {
		return nil, err
	}

	for step := 0; step < options.steps; step++ {
		err = runStep(sess, options.scratchMB*mib)
		if err != nil {
			return nil, errors.Wrapf(err, "step %d failed", step)
		}

		result := sess.Pool().ForceReclaim(0.9)
		logger.Debug("step complete",
			slog.Int("Step", step),
			slog.Int("EvictedBuffers", result.EvictedBuffers),
			slog.Int("ProjectedBytes", result.ProjectedBytes))
	}

	err = sess.Pool().FlushPendingDestruction(ctx)
	if err != nil {
		return nil, err
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("Heap").Raw([]byte(sess.Heap().BuildStatsString()))
	obj.Name("Pool").Raw([]byte(sess.Pool().BuildStatsString(true)))
	obj.Name("DeviceBuffersCreated").Int(dev.CreatedBuffers())
	statistics := sess.Statistics()
	statsObj := obj.Name("Statistics").Object()
	printStatistics(&statsObj, "Heap", statistics.Heap)
	printStatistics(&statsObj, "Pool", statistics.Pool)
	printStatistics(&statsObj, "Total", statistics.Total)
	statsObj.End()
	obj.End()
	report = writer.Bytes()

	if options.metricsAddr != "" && options.linger > 0 {
		logger.Info("simulation complete, lingering", slog.Duration("Linger", options.linger))
		select {
		case <-time.After(options.linger):
		case <-ctx.Done():
		}
	}

	return report, nil
}
