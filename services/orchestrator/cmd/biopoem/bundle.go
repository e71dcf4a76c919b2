package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"biopoem/pkg/errs"
	"biopoem/services/bundler"
)

func newBundleCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Task bundle build and verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundleBuildCommand(a))
	cmd.AddCommand(newBundleVerifyCommand(a))
	return cmd
}

func newBundleBuildCommand(a *app) *cobra.Command {
	var (
		resultsDir string
		output     string
		runID      string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Archive rendered tasks into a tar.zst bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := a.signer()
			if err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.NewString()
			}
			if output == "" {
				output = filepath.Join(resultsDir, bundler.FileName(runID))
			}
			_, err = bundler.Build(cmd.Context(), bundler.BuildConfig{
				ResultsDir: resultsDir,
				Output:     output,
				RunID:      runID,
				Signer:     signer,
				Stdout:     os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&resultsDir, "results-dir", "results", "Directory of <hostname>/dag.factfile entries")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle (default <results-dir>/tasks-<run>.tar.zst)")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id recorded in the manifest (default a new uuid)")
	return cmd
}

func newBundleVerifyCommand(a *app) *cobra.Command {
	var bundleFile string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a bundle's digests and, when a key is configured, its signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bundleFile == "" {
				return errs.Configf("file", "is required")
			}
			signer, err := a.signer()
			if err != nil {
				return err
			}
			manifest, err := bundler.Verify(cmd.Context(), bundleFile, signer)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bundle %s ok: run %s, %d tasks, created %s\n", bundleFile, manifest.RunID, len(manifest.Tasks), manifest.CreatedAt.Format("2006-01-02 15:04:05"))
			if signer == nil {
				fmt.Fprintln(out, "signature not checked: no AGE_SECRET_KEY or AGE_PUBLIC_KEY configured")
			}
			for _, t := range manifest.Tasks {
				fmt.Fprintf(out, "  %s\t%d\t%s\n", t.Path, t.Size, t.SHA256)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	return cmd
}
