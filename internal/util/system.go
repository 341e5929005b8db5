package util

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

func IsRoot() bool {
	return os.Geteuid() == 0
}

func HasSystemctl() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// ServiceIsActive asks systemd whether unit name is running.
func ServiceIsActive(ctx context.Context, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || !HasSystemctl() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", name)
	var out bytes.Buffer
	cmd.Stdout = &out
	_ = cmd.Run()
	return strings.TrimSpace(out.String()) == "active"
}

// RestartService restarts a systemd unit. It is a no-op without systemctl.
func RestartService(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || !HasSystemctl() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "systemctl", "restart", name)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return &CommandError{Cmd: "systemctl restart " + name, Output: msg, Err: err}
		}
		return err
	}
	return nil
}

// CommandError carries the stderr of a failed helper command.
type CommandError struct {
	Cmd    string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return e.Cmd + ": " + e.Err.Error() + ": " + e.Output
}

func (e *CommandError) Unwrap() error { return e.Err }
