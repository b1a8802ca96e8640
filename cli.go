package moltgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"

	"go.uber.org/zap"
)

// CommandResult is the outcome of one gateway CLI invocation.
type CommandResult struct {
	Code   int    `json:"code"`
	Output string `json:"output"`
}

type commandRunner interface {
	Run(ctx context.Context, args ...string) CommandResult
}

// gatewayCLI runs one-shot commands of the gateway tool, such as
// "onboard" or "config set".
type gatewayCLI struct {
	command []string
	dir     string
	env     []string
	logger  *zap.Logger
}

func (g *gatewayCLI) Run(ctx context.Context, args ...string) CommandResult {
	argv := append(slices.Clone(g.command[1:]), args...)
	cmd := exec.CommandContext(ctx, g.command[0], argv...)
	cmd.Dir = g.dir
	cmd.Env = g.env

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	// values may be secrets, only the subcommand is logged
	g.logger.Info("running gateway command", zap.Strings("subcommand", args[:min(len(args), 3)]))
	err := cmd.Run()
	if err == nil {
		return CommandResult{Code: 0, Output: out.String()}
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		g.logger.Warn("gateway command failed",
			zap.Strings("subcommand", args[:min(len(args), 3)]),
			zap.Int("code", ee.ExitCode()))
		return CommandResult{Code: ee.ExitCode(), Output: out.String()}
	}
	g.logger.Error("gateway command could not be started", zap.Error(err))
	fmt.Fprintf(&out, "\n[spawn error] %v\n", err)
	return CommandResult{Code: 127, Output: out.String()}
}
