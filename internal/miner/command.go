package miner

import (
	"fmt"
	"strings"
)

// Command is a lifecycle action.
type Command string

const (
	CommandReboot        Command = "reboot"
	CommandRestartMining Command = "restart-mining"
	// CommandRefreshIdentity re-runs identification and rebinds the session
	// when the firmware changed. It never reaches the device driver.
	CommandRefreshIdentity Command = "refresh-identity"
	CommandFaultLightOn    Command = "fault-light-on"
	CommandFaultLightOff   Command = "fault-light-off"
)

func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(s))); c {
	case CommandReboot, CommandRestartMining, CommandRefreshIdentity, CommandFaultLightOn, CommandFaultLightOff:
		return c, nil
	case "restart":
		return CommandRestartMining, nil
	case "identify", "reidentify":
		return CommandRefreshIdentity, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

type FailureKind string

const (
	FailurePartialWrite FailureKind = "partial-write"
	FailureRejected     FailureKind = "rejected"
	FailureTransport    FailureKind = "transport"
	FailureUnsupported  FailureKind = "unsupported"
)

// CommandResult is the outcome of a write or lifecycle command.
// Step is the index of the failed write step when Failure is set.
type CommandResult struct {
	OK         bool        `json:"ok"`
	Failure    FailureKind `json:"failure,omitempty"`
	Step       int         `json:"step,omitempty"`
	Err        error       `json:"-"`
	Diagnostic string      `json:"diagnostic,omitempty"`
}

func Succeeded() CommandResult { return CommandResult{OK: true} }

func Failed(kind FailureKind, step int, err error) CommandResult {
	r := CommandResult{Failure: kind, Step: step, Err: err}
	if err != nil {
		r.Diagnostic = err.Error()
	}
	return r
}
