package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/agentrun/pkg/client"
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/toolloop"
	"github.com/go-go-golems/agentrun/pkg/runstate"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tcnksm/go-input"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent in the terminal",
		Long: "Chat with an agent, either in-process or against a running server (--server).\n" +
			"The chat exposes list_files and write_file on --root as caller tools.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return chat(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().String("server", "", "Base URL of an agentrun server. Runs in-process when empty")
	cmd.Flags().String("agent", "", "Agent id or alias")
	cmd.Flags().String("thread", "", "Thread id (default: a new thread)")
	cmd.Flags().String("root", ".", "Directory the file tools operate in")
	cmd.Flags().Bool("auto-approve", false, "Approve every tool call without asking")
	addModelFlags(cmd)
	addStoreFlags(cmd)
	return cmd
}

// PromptApprover asks on the terminal before an approval-gated tool runs.
type PromptApprover struct {
	UI *input.UI
}

var _ toolloop.Approver = (*PromptApprover)(nil)

func (p *PromptApprover) Await(ctx context.Context, req toolloop.ApprovalRequest) (toolloop.Decision, error) {
	if err := ctx.Err(); err != nil {
		return toolloop.Decision{}, err
	}
	ok, err := askYesNo(p.UI, fmt.Sprintf("\nRun %s with %s? [y/n]", req.ToolName, string(req.Arguments)))
	if err != nil {
		return toolloop.Decision{}, err
	}
	if ok {
		return toolloop.Decision{Kind: toolloop.DecisionApprove}, nil
	}
	return toolloop.Decision{Kind: toolloop.DecisionDeny, Reason: "denied at the terminal"}, nil
}

func askYesNo(ui *input.UI, query string) (bool, error) {
	answer, err := ui.Ask(query, &input.Options{
		Default:  "y",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}
	return answer == "y" || answer == "Y", nil
}

func chat(ctx context.Context, in io.Reader, out io.Writer) error {
	ui := &input.UI{Writer: out, Reader: in}

	var transport client.Transport
	if url := viper.GetString("server"); url != "" {
		transport = client.NewHTTPTransport(url)
	} else {
		sessions, cleanup, err := buildSessions(nil)
		if err != nil {
			return err
		}
		defer cleanup()
		transport = &client.LocalTransport{Manager: sessions}
	}

	catalog, err := callerTools(viper.GetString("root"))
	if err != nil {
		return err
	}
	var approver toolloop.Approver = &PromptApprover{UI: ui}
	if viper.GetBool("auto-approve") {
		approver = toolloop.AutoApprover{Kind: toolloop.DecisionApprove}
	}

	printer := events.PrinterFunc("assistant", out)
	c := client.NewController(transport, viper.GetString("thread"),
		client.WithAgent(viper.GetString("agent")),
		client.WithCallerTools(catalog, approver),
		client.WithEventHandler(func(e events.Event) {
			if err := printer(ctx, e); err != nil {
				log.Warn().Err(err).Msg("could not print event")
			}
		}),
	)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		_, _ = fmt.Fprintf(out, "thread %s, empty line or /quit to leave\n", c.ThreadID())
	}

	for {
		line, err := ui.Ask("\n>", &input.Options{HideOrder: true})
		if err != nil {
			if errors.Is(err, input.ErrEmpty) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" || line == "/quit" {
			return nil
		}

		st, err := c.Send(ctx, line)
		for err == nil && st.Kind == runstate.KindInterrupted {
			st, err = answerInterrupt(ctx, ui, c, st)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_, _ = fmt.Fprintf(out, "\n[error] %v\n", err)
		}
	}
}

// answerInterrupt decides a server-side approval interrupt at the terminal and
// resumes the thread.
func answerInterrupt(ctx context.Context, ui *input.UI, c *client.Controller, st runstate.State) (runstate.State, error) {
	query := "\nApprove the pending tool calls? [y/n]"
	if st.Interrupt.Message != "" {
		query = "\n" + st.Interrupt.Message + " [y/n]"
	}
	ok, err := askYesNo(ui, query)
	if err != nil {
		return st, err
	}
	decision := toolloop.DecisionDeny
	if ok {
		decision = toolloop.DecisionApprove
	}
	payload, err := json.Marshal(map[string]any{"decision": decision})
	if err != nil {
		return st, err
	}
	return c.Resume(ctx, payload)
}
