package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"vqvdb/internal/orchestrator"
)

func (o *options) codecRun() (*orchestrator.Orchestrator, orchestrator.Request, func(), error) {
	req, err := o.request()
	if err != nil {
		return nil, req, nil, err
	}
	var (
		prog     orchestrator.ProgressFunc
		onStats  func(orchestrator.Stats)
		finished = func() {}
	)
	if !o.quiet {
		p := newProgress(o.stderr)
		prog = p.Func()
		finished = p.Finish
		onStats = func(s orchestrator.Stats) {
			p.Finish()
			fmt.Fprintln(o.stderr, summary(s))
		}
	}
	orch, err := o.orchestrator(prog, onStats)
	if err != nil {
		return nil, req, nil, err
	}
	return orch, req, finished, nil
}

func encodeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "encode <grid.vgd|-> <out.vqvdb|key|->",
		Short: "Encode a grid dump into a VQVDB container",
		Long: "Encode tiles the grid's active voxels into patches, runs the model encoder and\n" +
			"writes the tokens with the grid metadata. With --store the output is a store key.",
		Example: "  vqvdb encode -b native -m fog-p8 --models-dir ~/models/vq smoke.vgd smoke.vqvdb",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, req, done, err := o.codecRun()
			if err != nil {
				return err
			}
			defer done()
			st, err := o.openStore(ctx)
			if err != nil {
				return err
			}
			g, err := o.readGrid(args[0])
			if err != nil {
				return err
			}
			if st != nil {
				return orch.EncodeTo(ctx, st, args[1], g, req)
			}
			data, err := orch.Encode(ctx, g, req)
			if err != nil {
				return err
			}
			return o.writeOutput(args[1], data)
		},
	}
}

func decodeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "decode <in.vqvdb|key|-> <grid.vgd|->",
		Short:   "Decode a VQVDB container back into a grid dump",
		Example: "  vqvdb decode -b native -m fog-p8 --models-dir ~/models/vq smoke.vqvdb smoke.out.vgd",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, req, done, err := o.codecRun()
			if err != nil {
				return err
			}
			defer done()
			st, err := o.openStore(ctx)
			if err != nil {
				return err
			}
			if st != nil {
				g, err := orch.DecodeFrom(ctx, st, args[0], req)
				if err != nil {
					return err
				}
				return o.writeGrid(args[1], g)
			}
			data, err := o.readInput(args[0])
			if err != nil {
				return err
			}
			g, err := orch.Decode(ctx, data, req)
			if err != nil {
				return err
			}
			return o.writeGrid(args[1], g)
		},
	}
}
