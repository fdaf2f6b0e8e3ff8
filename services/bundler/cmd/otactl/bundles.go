package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"otad/services/bundler"
)

func newBundlesCommand(g *globals) *cobra.Command {
	cmd := groupCommand("bundles", "Signed offline bundle operations")
	cmd.AddCommand(newBundlesBuildCommand(), newBundlesImportCommand(g), newBundlesKeygenCommand())
	return cmd
}

func newBundlesBuildCommand() *cobra.Command {
	var (
		artifactsDir    string
		deploymentsFile string
		output          string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed bundle from an artifacts directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Build(cmd.Context(), bundler.BuildConfig{
				ArtifactsDir:    artifactsDir,
				DeploymentsFile: deploymentsFile,
				Output:          output,
				Signer:          signer,
				Stdout:          cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&artifactsDir, "artifacts-dir", "", "Directory containing firmware artifacts")
	cmd.Flags().StringVar(&deploymentsFile, "deployments", "", "Optional YAML file of named deployment definitions")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("artifacts-dir")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundlesImportCommand(g *globals) *cobra.Command {
	var bundleFile string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a signed bundle and load it into the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			client, err := g.client()
			if err != nil {
				return err
			}
			res, err := bundler.Import(cmd.Context(), bundler.ImportConfig{
				BundlePath: bundleFile,
				Server:     client,
				Signer:     signer,
				Stdout:     cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d artifacts, %d new deployments, %d already present\n",
				len(res.Uploaded), len(res.Created), len(res.Existing))
			return nil
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newBundlesKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key for OTAD_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := bundler.GenerateKey()
			if err != nil {
				return err
			}
			signer, err := bundler.NewSigner(key, "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# recipient: %s\n", signer.Recipient())
			fmt.Fprintf(out, "OTAD_SIGNING_KEY=%s\n", key)
			fmt.Fprintf(out, "OTAD_SIGNING_PUBLIC_KEY=%s\n", signer.PublicKeyBase64())
			return nil
		},
	}
}
