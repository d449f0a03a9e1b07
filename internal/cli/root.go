package cli

import (
	"io"

	"github.com/spf13/cobra"

	_ "vqvdb/internal/backend/all"
)

// buildRootCmd constructs the command tree wired to o.
func buildRootCmd(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "vqvdb",
		Short:         "Compress sparse volumetric grids into VQ token containers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.resolve(cmd)
		},
	}
	o.bind(root)

	root.AddCommand(
		encodeCmd(o),
		decodeCmd(o),
		inspectCmd(o),
		backendsCmd(o),
		modelsCmd(o),
		serveCmd(o),
		completionCmd(root, o.stdout),
	)
	return root
}

func completionCmd(root *cobra.Command, w io.Writer) *cobra.Command {
	c := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	c.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(w) }})
	c.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(w) }})
	c.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(w, true) }})
	c.AddCommand(&cobra.Command{Use: "powershell", Short: "PowerShell completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenPowerShellCompletionWithDesc(w) }})
	return c
}
