package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"otad/pkg/bus"
	"otad/services/notify"
	"otad/services/registry"
)

func newEventsCommand() *cobra.Command {
	cmd := groupCommand("events", "Follow deployment events on NATS")

	var (
		natsURL string
		durable string
		state   string
	)
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print deployment transitions as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			if natsURL == "" {
				return errors.New("--nats or NATS_URL is required")
			}
			subject := notify.StreamSubjects
			if state != "" {
				s, err := registry.ParseState(state)
				if err != nil {
					return err
				}
				subject = notify.Subject(s)
			}

			b, err := bus.New(natsURL)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := notify.EnsureStream(b); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(cmd.Context(), subject, durable, func(_ context.Context, data []byte) error {
				var evt registry.TransitionEvent
				if err := json.Unmarshal(data, &evt); err != nil {
					// Malformed events are acknowledged and skipped.
					fmt.Fprintf(os.Stderr, "skip event: %v\n", err)
					return nil
				}
				_, err := fmt.Fprintf(out, "%s %s %s -> %s controller=%s actor=%s\n",
					evt.At.Format("2006-01-02T15:04:05Z07:00"), evt.DeploymentID, evt.From, evt.To, evt.ControllerID, evt.Actor)
				return err
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			defer sub.Close()

			<-cmd.Context().Done()
			return nil
		},
	}
	watch.Flags().StringVar(&natsURL, "nats", os.Getenv("NATS_URL"), "NATS server URL (env NATS_URL)")
	watch.Flags().StringVar(&durable, "durable", "otactl-events", "Durable consumer name")
	watch.Flags().StringVar(&state, "state", "", "Only show transitions into this state")

	cmd.AddCommand(watch)
	return cmd
}
