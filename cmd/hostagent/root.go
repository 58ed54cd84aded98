package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/config"
	"github.com/walteh/cloudstack-vmware-agent/pkg/diagnostics"
	"github.com/walteh/cloudstack-vmware-agent/pkg/dispatch"
	"github.com/walteh/cloudstack-vmware-agent/pkg/session"
	"github.com/walteh/cloudstack-vmware-agent/pkg/vsphere"
)

type rootFlags struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "hostagent",
		Short: "VMware host agent for CloudStack",
		Long: `hostagent executes CloudStack agent commands against a vCenter or ESXi
endpoint. Commands arrive over NATS or MCP, or are read from a file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if flags.debug {
				level = zerolog.DebugLevel
			}
			ctx := zerolog.Ctx(cmd.Context()).With().Str("command", cmd.Name()).Logger().Level(level).WithContext(cmd.Context())
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the agent configuration file")
	cmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "enable debug logging")

	cmd.AddCommand(newServeCmd(flags), newExecCmd(flags))
	return cmd
}

// agent is the wiring shared by serve and exec.
type agent struct {
	cfg        *config.Config
	pool       *session.Pool
	dispatcher *dispatch.Dispatcher
}

func newAgent(cfg *config.Config, reg prometheus.Registerer) (*agent, error) {
	runner, err := cfg.Runner()
	if err != nil {
		return nil, err
	}

	connector := vsphere.NewConnector(vsphere.Options{Insecure: cfg.Endpoint.Insecure})
	pool := session.NewPool(connector, cfg.SessionOptions())

	d := dispatch.New(pool, dispatch.Options{
		Credentials: cfg.Credentials(),
		Planner:     cfg.PlannerOptions(runner),
		Ring:        diagnostics.NewRing(cfg.Diagnostics.Capacity),
		Registerer:  reg,
	})
	return &agent{cfg: cfg, pool: pool, dispatcher: d}, nil
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, errors.Errorf("loading config: %w", err)
	}
	if flags.debug {
		cfg.Log.Level = zerolog.DebugLevel.String()
	}
	return cfg, nil
}
