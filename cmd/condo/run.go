package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/condo/pkg/agent"
	"github.com/cuemby/condo/pkg/config"
)

var runCmd = newRunCmd()

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [KEY]",
		Short: "Watch a Consul key and deploy its descriptor",
		Long: `Run the agent. KEY is the Consul KV key holding the deployment
descriptor. With --spec-file the key is not watched and the local file is
deployed instead.

The Consul agent address is taken from --consul, then CONSUL_AGENT, then
the config file.`,
		Example: `  CONSUL_AGENT=127.0.0.1:8500 condo run services/web/deploy
  condo run --config /etc/condo/condo.yaml
  condo run --spec-file web.jsonc --engine containerd`,
		Args: cobra.MaximumNArgs(1),
		RunE: runAgent,
	}

	f := cmd.Flags()
	f.String("config", "", "Path to a YAML config file")
	f.String("consul", "", "Consul agent address")
	f.String("consul-token", "", "Consul ACL token")
	f.Duration("wait", 0, "Consul blocking query wait")
	f.String("engine", "", "Container engine (docker, containerd)")
	f.String("docker-host", "", "Docker Engine address")
	f.String("containerd-socket", "", "containerd socket path")
	f.String("containerd-namespace", "", "containerd namespace")
	f.String("advertise-host", "", "Address services are registered and checked at")
	f.Duration("health-deadline", 0, "Longest health wait for a deploy without kill_timeout")
	f.Int("queue-size", 0, "Dispatcher event queue capacity")
	f.String("metrics-addr", "", "Metrics and health listen address (\"off\" disables)")
	f.String("history-db", "", "Deploy history database (\"off\" disables)")
	f.String("spec-file", "", "Deploy a local descriptor instead of watching Consul")
	return cmd
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	initLogging(cmd, cfg.Log.Level, cfg.Log.JSON)

	a, err := agent.New(cfg, agent.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}

// loadConfig layers defaults, the config file, the environment and flags
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	f := cmd.Flags()

	cfg := config.Default()
	if path, _ := f.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)

	if len(args) == 1 {
		cfg.Consul.Key = args[0]
	}

	setString := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	setString("consul", &cfg.Consul.Address)
	setString("consul-token", &cfg.Consul.Token)
	setString("engine", &cfg.Engine.Kind)
	setString("docker-host", &cfg.Engine.DockerHost)
	setString("containerd-socket", &cfg.Engine.ContainerdSocket)
	setString("containerd-namespace", &cfg.Engine.ContainerdNamespace)
	setString("advertise-host", &cfg.Deploy.AdvertiseHost)
	setString("metrics-addr", &cfg.Metrics.Addr)
	setString("history-db", &cfg.History.Path)
	setString("spec-file", &cfg.SpecFile)

	if f.Changed("wait") {
		cfg.Consul.Wait, _ = f.GetDuration("wait")
	}
	if f.Changed("health-deadline") {
		cfg.Deploy.HealthDeadline, _ = f.GetDuration("health-deadline")
	}
	if f.Changed("queue-size") {
		cfg.Deploy.QueueSize, _ = f.GetInt("queue-size")
	}

	if cfg.Metrics.Addr == "off" {
		cfg.Metrics.Addr = ""
	}
	if cfg.History.Path == "off" {
		cfg.History.Path = ""
	}

	return cfg, cfg.Validate()
}
