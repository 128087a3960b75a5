// Package target abstracts the host-side key installation for the SSH
// rotation variant. A Runner executes commands on the target host; an
// Adapter knows where that host keeps its authorized keys and how to
// rewrite them.
package target

import (
	"context"
	"fmt"
	"strings"
)

// Runner executes a shell command on the target host and returns its
// combined output.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Adapter reads and rewrites the authorized-keys material on a target host.
// Implementations must make the rewrite atomic so a crashed rotation never
// leaves a truncated file behind.
type Adapter interface {
	Name() string
	ReadAuthorizedKeys(ctx context.Context, run Runner) (string, error)
	WriteAuthorizedKeys(ctx context.Context, run Runner, content string) error
}

// GenericLinux manages a plain OpenSSH authorized_keys file owned by the
// login account.
type GenericLinux struct {
	// Path to the authorized_keys file. Defaults to
	// $HOME/.ssh/authorized_keys when empty.
	Path string
}

func (a *GenericLinux) Name() string { return "generic-linux" }

func (a *GenericLinux) path() string {
	if a.Path != "" {
		return a.Path
	}
	return "$HOME/.ssh/authorized_keys"
}

func (a *GenericLinux) ReadAuthorizedKeys(ctx context.Context, run Runner) (string, error) {
	out, err := run.Run(ctx, fmt.Sprintf("cat %s 2>/dev/null || true", a.path()))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", a.path(), err)
	}
	return out, nil
}

func (a *GenericLinux) WriteAuthorizedKeys(ctx context.Context, run Runner, content string) error {
	p := a.path()
	cmd := fmt.Sprintf("umask 077 && printf '%%s' %s > %s.tmp && mv %s.tmp %s",
		shellQuote(content), p, p, p)
	if _, err := run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// ProvisioningManaged manages a key fragment owned by a provisioning tool.
// Keys live in a tool-owned drop-in file and become effective only after
// the tool's reload command has been run.
type ProvisioningManaged struct {
	// KeysPath is the tool-owned fragment file for this login.
	KeysPath string

	// ReloadCommand regenerates the effective authorized keys from the
	// fragments. Required.
	ReloadCommand string
}

func (a *ProvisioningManaged) Name() string { return "provisioning-managed" }

func (a *ProvisioningManaged) ReadAuthorizedKeys(ctx context.Context, run Runner) (string, error) {
	out, err := run.Run(ctx, fmt.Sprintf("cat %s 2>/dev/null || true", a.KeysPath))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", a.KeysPath, err)
	}
	return out, nil
}

func (a *ProvisioningManaged) WriteAuthorizedKeys(ctx context.Context, run Runner, content string) error {
	cmd := fmt.Sprintf("umask 077 && printf '%%s' %s > %s.tmp && mv %s.tmp %s && %s",
		shellQuote(content), a.KeysPath, a.KeysPath, a.KeysPath, a.ReloadCommand)
	if _, err := run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("write %s: %w", a.KeysPath, err)
	}
	return nil
}

// Probe decides once, at store construction, which adapter manages the
// target host. A host is provisioning-managed exactly when the fragment
// file named in cfg exists; everything else is treated as a plain
// authorized_keys host. The decision is never revisited mid-rotation.
func Probe(ctx context.Context, run Runner, cfg ProbeConfig) (Adapter, error) {
	if cfg.ManagedKeysPath != "" {
		out, err := run.Run(ctx, fmt.Sprintf("test -f %s && echo managed || echo plain", cfg.ManagedKeysPath))
		if err != nil {
			return nil, fmt.Errorf("probe target host: %w", err)
		}
		if strings.TrimSpace(out) == "managed" {
			if cfg.ReloadCommand == "" {
				return nil, fmt.Errorf("target host is provisioning-managed but no reload command is configured")
			}
			return &ProvisioningManaged{KeysPath: cfg.ManagedKeysPath, ReloadCommand: cfg.ReloadCommand}, nil
		}
	}
	return &GenericLinux{Path: cfg.AuthorizedKeysPath}, nil
}

// ProbeConfig carries the host-layout hints from the identity config.
type ProbeConfig struct {
	AuthorizedKeysPath string
	ManagedKeysPath    string
	ReloadCommand      string
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes,
// so key material survives the remote shell untouched.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
