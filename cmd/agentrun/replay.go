package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/fixtures"
	"github.com/go-go-golems/agentrun/pkg/runstate"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newReplayCommand() *cobra.Command {
	var validate, quiet bool
	cmd := &cobra.Command{
		Use:   "replay <event-log>",
		Short: "Fold a recorded event log into the client state machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			evs, err := fixtures.ReadEventLogFile(args[0])
			if err != nil {
				return err
			}
			return replay(cmd.Context(), evs, os.Stdout, validate, quiet)
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", true, "Check the ordering rules of every run")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Only print the final state")
	return cmd
}

func replay(ctx context.Context, evs []events.Event, out io.Writer, validate, quiet bool) error {
	if validate {
		byRun := map[string][]events.Event{}
		var order []string
		for _, e := range evs {
			id := e.Metadata().RunID
			if _, ok := byRun[id]; !ok {
				order = append(order, id)
			}
			byRun[id] = append(byRun[id], e)
		}
		for _, id := range order {
			if err := events.ValidateSequence(byRun[id]); err != nil {
				return errors.Wrapf(err, "run %s", id)
			}
		}
	}

	printer := events.PrinterFunc("assistant", out)
	m := runstate.NewManager()
	for _, e := range evs {
		if _, err := m.Ingest(e); err != nil {
			log.Warn().Err(err).Str("type", string(e.Type())).Object("meta", e.Metadata()).Msg("replay: event rejected")
			continue
		}
		if !quiet {
			if err := printer(ctx, e); err != nil {
				return err
			}
		}
	}

	b, err := yaml.Marshal(map[string]any{
		"state":    m.CurrentState(),
		"messages": m.Messages(),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "\n---\n%s", b)
	return err
}
