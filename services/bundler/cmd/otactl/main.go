package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"otad/services/ddi/ddiclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	server string
}

func (g *globals) client() (*ddiclient.Client, error) {
	return ddiclient.New(g.server)
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "otactl",
		Short:         "Operator tool for the otad update server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("OTAD_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&g.server, "server", server, "Base URL of the otad server (env OTAD_SERVER)")

	cmd.AddCommand(newArtifactsCommand(g))
	cmd.AddCommand(newDeploymentsCommand(g))
	cmd.AddCommand(newControllersCommand(g))
	cmd.AddCommand(newBundlesCommand(g))
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newEventsCommand())
	return cmd
}

func groupCommand(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
