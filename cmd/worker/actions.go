package main

import (
	"context"
	"fmt"
	"time"

	duron "github.com/duron-io/duron"
)

// EchoInput is the payload for the "echo" action registered below: a
// minimal, always-available action proving a freshly deployed worker can
// accept and complete jobs end to end.
type EchoInput struct {
	Message string `json:"message" validate:"required"`
}

// EchoOutput is the echo action's result.
type EchoOutput struct {
	Echoed    string    `json:"echoed"`
	HandledAt time.Time `json:"handledAt"`
}

// registerActions wires every action this process runs. Production
// deployments split actions across files or packages by domain; this
// single demonstrative action stands in until real ones are added.
func registerActions(client *duron.Client) {
	duron.RegisterAction(client, &duron.Action[EchoInput, EchoOutput]{
		Name:    "echo",
		Version: "1",
		Steps:   duron.DefaultStepsConfig(),
		Expire:  time.Minute,
		Handler: func(ctx *duron.ActionContext[EchoInput]) (EchoOutput, error) {
			return duron.Step(ctx, "format", func(context.Context) (EchoOutput, error) {
				return EchoOutput{
					Echoed:    fmt.Sprintf("echo: %s", ctx.Input.Message),
					HandledAt: time.Now(),
				}, nil
			}, duron.StepOptions{})
		},
	})
}
