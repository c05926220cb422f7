// Package inventory defines the YAML file listing hosts and the commands to
// run on them.
package inventory

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eugenetaranov/hostops/internal/fsutil"
	"github.com/eugenetaranov/hostops/internal/host"
)

// Inventory is a set of hosts with shared defaults.
//
//	defaults:
//	  user: deploy
//	  key_path: ~/.ssh/id_ed25519
//	commands:
//	  - uptime
//	hosts:
//	  - name: web-1.example.com
//	  - name: db-1.example.com
//	    port: 2222
//	    commands: ["pg_isready"]
type Inventory struct {
	// Path is the file the inventory was loaded from.
	Path string `yaml:"-"`

	// Defaults apply to every host that leaves a field empty.
	Defaults host.Credentials `yaml:"defaults"`

	// Commands run on hosts that list none of their own.
	Commands []string `yaml:"commands"`

	// VerifyExitCode stops a host's batch from counting as ok when a command
	// exits non-zero.
	VerifyExitCode bool `yaml:"verify_exit_code"`

	Hosts []*Host `yaml:"hosts"`
}

// Host is one inventory entry.
type Host struct {
	Name             string `yaml:"name"`
	host.Credentials `yaml:",inline"`
	Commands         []string `yaml:"commands"`
}

// ParseFile reads and validates an inventory file.
func ParseFile(path string) (*Inventory, error) {
	data, err := os.ReadFile(fsutil.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
	}
	inv.Path = path
	return inv, nil
}

// Parse decodes and validates inventory YAML.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("invalid inventory format: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Validate checks the inventory for common errors.
func (inv *Inventory) Validate() error {
	if len(inv.Hosts) == 0 {
		return errors.New("inventory has no hosts")
	}

	seen := make(map[string]bool, len(inv.Hosts))
	for i, h := range inv.Hosts {
		if h == nil || h.Name == "" {
			return fmt.Errorf("host %d: missing required 'name' field", i+1)
		}
		if seen[h.Name] {
			return fmt.Errorf("host %s: listed more than once", h.Name)
		}
		seen[h.Name] = true

		if h.Port < 0 || h.Port > 65535 {
			return fmt.Errorf("host %s: port out of range: %d", h.Name, h.Port)
		}
		if len(inv.CommandsFor(h)) == 0 {
			return fmt.Errorf("host %s: no commands to run", h.Name)
		}
	}
	return nil
}

// CommandsFor returns the commands to run on h.
func (inv *Inventory) CommandsFor(h *Host) []string {
	if len(h.Commands) > 0 {
		return h.Commands
	}
	return inv.Commands
}

// CredentialsFor merges h's credentials over the inventory defaults and
// then over base. Key paths have ~ expanded.
func (inv *Inventory) CredentialsFor(h *Host, base host.Credentials) host.Credentials {
	c := merge(merge(base, inv.Defaults), h.Credentials)
	c.PrivateKeyPath = fsutil.ExpandHome(c.PrivateKeyPath)
	return c
}

func merge(dst, src host.Credentials) host.Credentials {
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if src.PrivateKeyPath != "" {
		dst.PrivateKeyPath = src.PrivateKeyPath
	}
	if src.Passphrase != "" {
		dst.Passphrase = src.Passphrase
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	return dst
}
