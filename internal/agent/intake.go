// File: internal/agent/intake.go
package agent

import (
	"context"
	"strings"
)

// CommandIntake is the single-slot queue between the front-end and the task
// loop. A submitter waits while a previous command is still unclaimed.
type CommandIntake struct {
	slot chan string
}

// NewCommandIntake creates an intake with one slot.
func NewCommandIntake() *CommandIntake {
	return &CommandIntake{slot: make(chan string, 1)}
}

// Submit places a command in the slot, waiting for it to free up.
func (i *CommandIntake) Submit(ctx context.Context, command string) error {
	if strings.TrimSpace(command) == "" {
		return ErrEmptyCommand
	}
	select {
	case i.slot <- command:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next waits for the next command.
func (i *CommandIntake) Next(ctx context.Context) (string, error) {
	select {
	case cmd := <-i.slot:
		return cmd, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pending reports whether a command is waiting in the slot.
func (i *CommandIntake) Pending() bool { return len(i.slot) > 0 }
