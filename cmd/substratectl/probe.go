package main

import (
	"log/slog"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/substrate/capability"
)

func capabilitiesJSON(caps capability.Capabilities) []byte {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("HasGrowableRegion").Bool(caps.HasGrowableRegion)
	obj.Name("MaxRegionSize").Int(caps.MaxRegionSize)
	if caps.Segmented != nil {
		segmentedObj := obj.Name("Segmented").Object()
		segmentedObj.Name("MaxSegmentSize").Int(caps.Segmented.MaxSegmentSize)
		segmentedObj.Name("RecommendedSegments").Int(caps.Segmented.RecommendedSegments)
		segmentedObj.End()
	}

	deviceObj := obj.Name("Device").Object()
	deviceObj.Name("MaxBufferSize").Int(caps.Device.MaxBufferSize)
	deviceObj.Name("MaxStorageBufferBindingSize").Int(caps.Device.MaxStorageBufferBindingSize)
	deviceObj.End()

	obj.End()
	return writer.Bytes()
}

func buildProbeCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:     "probe",
		Short:   "Print the capabilities detected for this platform",
		Example: "  substratectl probe",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caps, err := capability.Static(capability.Detect()).Probe(cmd.Context())
			if err != nil {
				return err
			}

			state.logger.Debug("probe complete", slog.Bool("HasGrowableRegion", caps.HasGrowableRegion))

			_, err = cmd.OutOrStdout().Write(append(capabilitiesJSON(caps), '\n'))
			return err
		},
	}
}
