package ota

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// CommandRebooter restarts the device by running Command.
type CommandRebooter struct {
	Command []string
	Timeout time.Duration
}

func (r CommandRebooter) RequestReboot() error {
	if len(r.Command) == 0 {
		return fmt.Errorf("no reboot command configured")
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	log.Info().Str("op", "ota/reboot").Msgf("Running reboot command %q", r.Command)
	out, err := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("error running reboot command: %v: %s", err, out)
	}
	return nil
}

// LogRebooter only records that a restart is due.
type LogRebooter struct{}

func (LogRebooter) RequestReboot() error {
	log.Info().Str("op", "ota/reboot").Msg("Update installed, restart the device to boot it")
	return nil
}
