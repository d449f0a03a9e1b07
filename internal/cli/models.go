package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"vqvdb/internal/backend"
	"vqvdb/internal/backend/native"
	"vqvdb/internal/model"
)

func backendsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the backends compiled into this binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range backend.Available() {
				mark := " "
				if id == o.cfg.Backend {
					mark = "*"
				}
				fmt.Fprintf(o.stdout, "%s %s\n", mark, id)
			}
			return nil
		},
	}
}

func modelsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models [dir]",
		Short: "List model manifests in a directory (defaults to --models-dir)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := o.cfg.ModelsDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no models directory: pass one or set --models-dir")
			}
			entries, err := model.LoadDir(dir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(o.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tPATH")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.Kind, e.Path)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(initNativeCmd(o))
	return cmd
}

type initNativeFlags struct {
	id        string
	patchSize int
	stride    int
	channels  int
	alphabet  int
	lo, hi    float64
	seed      uint64
}

// initNativeCmd writes an untrained native model: a manifest plus a weights
// file whose codebook is drawn uniformly from [lo, hi).
func initNativeCmd(o *options) *cobra.Command {
	var f initNativeFlags
	cmd := &cobra.Command{
		Use:     "init-native <manifest.yaml>",
		Short:   "Create a native model with a random codebook",
		Example: "  vqvdb models init-native --id fog-p8 --patch-size 8 --stride 2 --alphabet 512 ~/models/vq/fog-p8.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeNativeModel(args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.id, "id", "", "Model id (defaults to the manifest file name)")
	fl.IntVar(&f.patchSize, "patch-size", 8, "Patch edge in voxels")
	fl.IntVar(&f.stride, "stride", 2, "Latent stride; token length is (patch-size/stride)^3")
	fl.IntVar(&f.channels, "channels", 1, "Values per voxel")
	fl.IntVar(&f.alphabet, "alphabet", 256, "Codebook size")
	fl.Float64Var(&f.lo, "lo", 0, "Lower bound of codebook values")
	fl.Float64Var(&f.hi, "hi", 1, "Upper bound of codebook values")
	fl.Uint64Var(&f.seed, "seed", 1, "Codebook random seed")
	return cmd
}

func writeNativeModel(path string, f initNativeFlags) error {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if f.id == "" {
		f.id = base
	}
	m := model.Manifest{
		ID:           f.id,
		Kind:         native.ID,
		PatchSize:    f.patchSize,
		Channels:     f.channels,
		AlphabetSize: f.alphabet,
		LatentStride: f.stride,
		Weights:      base + ".weights",
		InputDType:   "float32",
		Path:         path,
	}
	if err := m.Validate(native.ID); err != nil {
		return err
	}
	in := f.stride * f.stride * f.stride * f.channels
	w := native.ProjectionWeights(f.id, in, f.alphabet, f.lo, f.hi, f.seed)
	if err := native.SaveWeights(filepath.Join(filepath.Dir(path), m.Weights), w); err != nil {
		return err
	}
	b, err := yaml.Marshal(&m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
