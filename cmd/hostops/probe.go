package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eugenetaranov/hostops/internal/host"
)

var (
	resolveReverse bool
	resolveFacts   bool
	resolveSSH     sshFlags

	pingAttempts int
	pingDelay    time.Duration

	reachSSH sshFlags
)

// resolveCmd prints what is known about a host
var resolveCmd = &cobra.Command{
	Use:   "resolve <host>",
	Short: "Resolve a host and show its address and state",
	Long: `Validate and resolve a host name or IP address.

Examples:
  hostops resolve web-1.example.com
  hostops resolve 10.0.0.5 --reverse
  hostops resolve db-1 --facts -u deploy`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resolveSSH.apply(cmd)
		ctx, cancel := signalContext()
		defer cancel()

		id, runner, err := resolveHost(ctx, args[0], host.WithReverseLookup(resolveReverse))
		if err != nil {
			return err
		}
		app.out.Identity(id)

		if resolveFacts && !id.IsLocal() {
			info, err := runner.Gather(ctx, id, host.WithSSHConnectTimeout(app.cfg.SSH.ConnectTimeout))
			if err != nil {
				return err
			}
			app.out.Section("FACTS")
			fmt.Fprintf(app.out.Writer(), "  os: %s %s %s\n  family: %s\n  kernel: %s\n  arch: %s\n  hostname: %s\n",
				info.System, info.Distribution, info.Version, info.Family, info.Kernel, info.Arch, info.Hostname)
		}
		return nil
	},
}

// pingCmd checks that a host answers ping
var pingCmd = &cobra.Command{
	Use:   "ping <host>",
	Short: "Check that a host answers ping",
	Long: `Ping a host up to --attempts times. Exits 1 when it never answers.

Examples:
  hostops ping web-1.example.com
  hostops ping 10.0.0.5 --attempts 5 --delay 1s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		id, _, err := resolveHost(ctx, args[0])
		if err != nil {
			return err
		}

		attempts, delay := app.cfg.Probe.PingAttempts, app.cfg.Probe.PingDelay
		if cmd.Flags().Changed("attempts") {
			attempts = pingAttempts
		}
		if cmd.Flags().Changed("delay") {
			delay = pingDelay
		}

		if !id.IsPingable(ctx, host.WithAttempts(attempts), host.WithAttemptDelay(delay)) {
			app.out.Error("%s is not pingable", id)
			return exitCode(1)
		}
		app.out.Info("%s is pingable", id)
		return nil
	},
}

// reachCmd checks ping and SSH
var reachCmd = &cobra.Command{
	Use:   "reach <host>",
	Short: "Check that a host answers ping and accepts SSH",
	Long: `Ping a host, then open an SSH session and run "echo". Exits 1 when
either step fails.

Examples:
  hostops reach web-1.example.com -u deploy -k ~/.ssh/id_ed25519
  hostops reach 10.0.0.5 --host-key-policy tofu`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reachSSH.apply(cmd)
		ctx, cancel := signalContext()
		defer cancel()

		id, _, err := resolveHost(ctx, args[0])
		if err != nil {
			return err
		}

		ok, err := id.IsReachable(ctx)
		if err != nil {
			return err
		}
		if !ok {
			app.out.Error("%s is not reachable (state: %s)", id, id.State())
			return exitCode(1)
		}
		app.out.Info("%s is reachable", id)
		return nil
	},
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveReverse, "reverse", false, "Look up the canonical name of the address")
	resolveCmd.Flags().BoolVar(&resolveFacts, "facts", false, "Gather OS facts over SSH for remote hosts")
	resolveSSH.register(resolveCmd)

	pingCmd.Flags().IntVar(&pingAttempts, "attempts", host.DefaultPingAttempts, "Ping attempts")
	pingCmd.Flags().DurationVar(&pingDelay, "delay", host.DefaultPingDelay, "Delay between attempts")

	reachSSH.register(reachCmd)
}
