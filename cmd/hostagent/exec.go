package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/command"
	"github.com/walteh/cloudstack-vmware-agent/pkg/transport"
)

type execFlags struct {
	natsURL string
	subject string
	timeout time.Duration
}

func newExecCmd(root *rootFlags) *cobra.Command {
	flags := &execFlags{}

	cmd := &cobra.Command{
		Use:   "exec <file|->",
		Short: "Execute one command envelope and print the answer",
		Long: `Reads a command envelope such as {"StopCommand": {"vmName": "i-2-3-VM"}}
from a file (or stdin with "-") and prints the answer envelope. With --nats the
command is sent to a running agent, otherwise it runs in-process against the
configured endpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			var out []byte
			if flags.natsURL != "" {
				out, err = transport.Request(ctx, flags.natsURL, flags.subject, raw)
			} else {
				out, err = execLocal(ctx, root, raw)
			}
			if err != nil {
				return err
			}
			return printAnswer(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&flags.natsURL, "nats", "", "send the command to an agent through this NATS server")
	cmd.Flags().StringVar(&flags.subject, "subject", "hostagent.commands", "NATS subject the agent listens on")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 30*time.Minute, "how long to wait for the answer")
	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, errors.Errorf("reading stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Errorf("reading command file: %w", err)
	}
	return raw, nil
}

func execLocal(ctx context.Context, root *rootFlags, raw []byte) ([]byte, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	a, err := newAgent(cfg, nil)
	if err != nil {
		return nil, err
	}
	defer a.pool.Close(context.WithoutCancel(ctx))

	return a.dispatcher.ExecuteRaw(ctx, raw), nil
}

// printAnswer writes the indented envelope and fails when the answer does.
func printAnswer(w io.Writer, out []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, out, "", "  "); err != nil {
		buf.Reset()
		buf.Write(out)
	}
	fmt.Fprintln(w, buf.String())

	name, ans, err := command.DecodeAnswer(out)
	if err != nil {
		return errors.Errorf("decoding answer: %w", err)
	}
	if !ans.Result {
		return errors.Errorf("%s failed: %s", name, ans.Details)
	}
	return nil
}
