package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	sshconn "github.com/eugenetaranov/hostops/internal/connector/ssh"
	"github.com/eugenetaranov/hostops/internal/host"
)

var hostKeyPolicies = []string{sshconn.PolicyStrict, sshconn.PolicyTOFU, sshconn.PolicyAcceptAny}

// sshFlags are the connection flags shared by reach and run.
type sshFlags struct {
	user          string
	password      string
	key           string
	port          int
	knownHosts    string
	hostKeyPolicy string
	sshTimeout    time.Duration
}

func (f *sshFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.user, "user", "u", "", "SSH user")
	fl.StringVar(&f.password, "password", "", "SSH password (prefer HOSTOPS_SSH_PASSWORD)")
	fl.StringVarP(&f.key, "key", "k", "", "SSH private key file")
	fl.IntVarP(&f.port, "port", "p", 0, "SSH port")
	fl.StringVar(&f.knownHosts, "known-hosts", "", "known_hosts file")
	fl.Var(newChoiceValue(&f.hostKeyPolicy, sshconn.PolicyStrict, hostKeyPolicies...), "host-key-policy",
		choiceUsage(sshconn.PolicyStrict, hostKeyPolicies, "How unknown host keys are handled"))
	fl.DurationVar(&f.sshTimeout, "ssh-timeout", 0, "SSH connect timeout (0 uses ssh.connect_timeout)")
}

// apply copies the flags that were set onto the loaded configuration.
func (f *sshFlags) apply(cmd *cobra.Command) {
	fl := cmd.Flags()
	ssh := &app.cfg.SSH
	if fl.Changed("user") {
		ssh.User = f.user
	}
	if fl.Changed("password") {
		ssh.Password = f.password
	}
	if fl.Changed("key") {
		ssh.KeyPath = f.key
	}
	if fl.Changed("port") {
		ssh.Port = f.port
	}
	if fl.Changed("known-hosts") {
		ssh.KnownHostsPath = f.knownHosts
	}
	if fl.Changed("host-key-policy") {
		ssh.HostKeyPolicy = f.hostKeyPolicy
	}
	if fl.Changed("ssh-timeout") {
		ssh.ConnectTimeout = f.sshTimeout
	}
}

// newRunner builds a runner from the configuration.
func newRunner() (*host.Runner, error) {
	policy, err := app.cfg.SSH.Policy()
	if err != nil {
		return nil, err
	}
	return host.NewRunner(
		host.WithRunnerLogger(app.log.Zap()),
		host.WithConsole(os.Stdout),
		host.WithBatchRetry(app.cfg.RetryPolicy()),
		host.WithHostKeyPolicy(policy),
	), nil
}

// hostOptions returns the resolve options from the configuration.
func hostOptions(runner *host.Runner, extra ...host.Option) ([]host.Option, error) {
	probe, err := app.cfg.Probe.HostOptions()
	if err != nil {
		return nil, err
	}
	opts := []host.Option{
		host.WithLogger(app.log.Zap()),
		host.WithCredentials(app.cfg.SSH.Credentials()),
		host.WithRunner(runner),
	}
	opts = append(opts, probe...)
	return append(opts, extra...), nil
}

// resolveHost resolves raw with the configured options.
func resolveHost(ctx context.Context, raw string, extra ...host.Option) (*host.Identity, *host.Runner, error) {
	runner, err := newRunner()
	if err != nil {
		return nil, nil, err
	}
	opts, err := hostOptions(runner, extra...)
	if err != nil {
		return nil, nil, err
	}
	id, err := host.Resolve(ctx, raw, opts...)
	if err != nil {
		return nil, nil, err
	}
	return id, runner, nil
}
