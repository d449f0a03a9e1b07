package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"vqvdb/internal/container"
	"vqvdb/internal/httpapi"
)

func inspectCmd(o *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <in.vqvdb|key|->",
		Short: "Print a container's header and stream statistics",
		Long:  "Inspect validates the container (magic, version, checksum, region) without loading a model.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := o.openStore(ctx)
			if err != nil {
				return err
			}
			data, err := o.readContainer(ctx, st, args[0])
			if err != nil {
				return err
			}
			info, err := container.ReadHeader(data)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(o.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(httpapi.ContainerInfo(info))
			}
			return printInfo(o.stdout, info)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func printInfo(w io.Writer, info *container.Info) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(tw, "%s\t%v\n", k, v) }
	row("version", info.Version)
	row("model", info.ModelID)
	row("patch size", info.PatchSize)
	row("token length", info.TokenLength)
	row("alphabet", humanize.Comma(int64(info.AlphabetSize)))
	row("channels", info.Channels)
	row("grid", fmt.Sprintf("%q (%s)", info.Meta.Name, info.Meta.Class))
	row("voxel size", fmt.Sprintf("%g x %g x %g", info.Meta.VoxelSize[0], info.Meta.VoxelSize[1], info.Meta.VoxelSize[2]))
	row("background", info.Meta.Background)
	row("patches", humanize.Comma(int64(info.PatchCount)))
	if info.Region != nil {
		row("active voxels", humanize.Comma(int64(info.Region.ActiveVoxels())))
	}
	row("compression", info.Compression)
	row("token width", fmt.Sprintf("%d bytes", info.TokenWidth))
	row("tokens", fmt.Sprintf("%s raw, %s stored (%.2fx)",
		humanize.IBytes(uint64(info.RawBytes)), humanize.IBytes(uint64(info.StoredBytes)), info.Ratio()))
	row("file", humanize.IBytes(uint64(info.FileBytes)))
	return tw.Flush()
}
