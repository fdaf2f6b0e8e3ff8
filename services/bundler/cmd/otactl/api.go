package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"otad/services/catalog"
	"otad/services/registry"
)

func newArtifactsCommand(g *globals) *cobra.Command {
	cmd := groupCommand("artifacts", "Upload and inspect artifacts")

	var name string
	upload := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a firmware file as an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			h := sha256.New()
			if _, err := io.Copy(h, file); err != nil {
				return fmt.Errorf("hash %s: %w", args[0], err)
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[0])
			}
			art, err := client.UploadArtifact(cmd.Context(), name, file, hex.EncodeToString(h.Sum(nil)))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), art)
		},
	}
	upload.Flags().StringVar(&name, "name", "", "Artifact name (defaults to the file name)")

	get := &cobra.Command{
		Use:   "get NAME",
		Short: "Show artifact metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			art, err := client.Artifact(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), art)
		},
	}

	cmd.AddCommand(upload, get)
	return cmd
}

func newDeploymentsCommand(g *globals) *cobra.Command {
	cmd := groupCommand("deployments", "Create and inspect deployments")
	cmd.AddCommand(newDeploymentsCreateCommand(g))

	var byName string
	get := &cobra.Command{
		Use:   "get [ID]",
		Short: "Show a deployment by id or --name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			var d registry.Deployment
			switch {
			case byName != "":
				d, err = client.FindDeployment(cmd.Context(), byName)
			case len(args) == 1:
				d, err = client.GetDeployment(cmd.Context(), args[0])
			default:
				return fmt.Errorf("deployment id or --name is required")
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	get.Flags().StringVar(&byName, "name", "", "Look the deployment up by name")

	history := &cobra.Command{
		Use:   "history ID",
		Short: "List status reports of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			reports, err := client.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reports)
		},
	}

	audit := &cobra.Command{
		Use:   "audit ID",
		Short: "List the audit trail of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			records, err := client.Audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}

	cmd.AddCommand(get, history, audit)
	return cmd
}

func newDeploymentsCreateCommand(g *globals) *cobra.Command {
	var (
		req  registry.CreateRequest
		file string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deployment from flags or a definitions file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			defs := []registry.CreateRequest{req}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if defs, err = catalog.Parse(string(data)); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}
			created := make([]registry.Deployment, 0, len(defs))
			for _, def := range defs {
				d, err := client.CreateDeployment(cmd.Context(), def)
				if err != nil {
					return err
				}
				created = append(created, d)
			}
			if len(created) == 1 {
				return printJSON(cmd.OutOrStdout(), created[0])
			}
			return printJSON(cmd.OutOrStdout(), created)
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "Deployment name")
	cmd.Flags().StringSliceVar(&req.Artifacts, "artifact", nil, "Artifact name, in install order (repeatable)")
	cmd.Flags().StringSliceVar(&req.Selector.Controllers, "controller", nil, "Target controller id (repeatable)")
	cmd.Flags().StringToStringVar(&req.Selector.MatchLabels, "label", nil, "Required controller attribute key=value (repeatable)")
	cmd.Flags().BoolVar(&req.Selector.All, "all", false, "Target every controller")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with one or more named definitions")
	return cmd
}

func newControllersCommand(g *globals) *cobra.Command {
	cmd := groupCommand("controllers", "Inspect controllers")
	cmd.AddCommand(&cobra.Command{
		Use:   "get ID",
		Short: "Show a controller record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			c, err := client.Controller(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	})
	return cmd
}
