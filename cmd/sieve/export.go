package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cohortforge/sieve/internal/export"
)

var (
	exportFormat       string
	exportOut          string
	exportAllowPending bool
)

var exportCmd = &cobra.Command{
	Use:   "export <batch-id>",
	Short: "Render a reviewed criteria batch as a cohort definition",
	Long: `Render the criteria of one batch into an executable cohort definition.

Rejected criteria are excluded; criteria without a persisted expression
tree are listed in the manifest as skipped. The batch must be approved
unless --allow-pending is set.

With --out the artifact is written to the given path along with a
<name>.manifest.json sidecar recording provenance. Without it the
rendered definition goes to stdout and no manifest is written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		_, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		bundle, err := export.Load(ctx, store, args[0], exportAllowPending)
		if err != nil {
			return err
		}
		data, err := export.Render(exportFormat, bundle)
		if err != nil {
			return err
		}

		if exportOut == "" {
			_, err := os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(exportOut, data, 0o644); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		if err := export.WriteManifest(exportOut, export.NewManifest(bundle, exportFormat)); err != nil {
			return err
		}
		fmt.Printf("wrote %s (%d criteria", exportOut, len(bundle.Items))
		if n := len(bundle.Skipped); n > 0 {
			fmt.Printf(", %d skipped", n)
		}
		fmt.Println(")")
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", export.FormatCirce,
		"output format: "+strings.Join(export.Formats(), ", "))
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "write to this path instead of stdout")
	exportCmd.Flags().BoolVar(&exportAllowPending, "allow-pending", false,
		"export a batch that has not passed review")
	rootCmd.AddCommand(exportCmd)
}
