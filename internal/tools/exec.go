package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/halbridge/halbridge/internal/config"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

var pingCommand = regexp.MustCompile(`^\s*ping\b`)

// Shell implements system.exec with sh -c. The invocation context bounds
// the run; output streams are capped.
type Shell struct {
	maxOutput int
}

// NewShell creates the exec handler.
func NewShell(cfg config.ExecConfig) *Shell {
	limit := cfg.MaxOutput
	if limit <= 0 {
		limit = 64 * 1024
	}
	return &Shell{maxOutput: limit}
}

// Exec implements system.exec. A nonzero exit code is reported in the
// payload, not as an error.
func (s *Shell) Exec(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	command := withPingCount(argString(inv.Args, "command"))
	if command == "" {
		return refused("no command given"), nil
	}

	stdout := &cappedBuffer{max: s.maxOutput}
	stderr := &cappedBuffer{max: s.maxOutput}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("run command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	log.Debug().
		Str("command", command).
		Int("exit_code", exitCode).
		Dur("took", time.Since(start)).
		Msg("Command finished")

	out := stdout.String()
	if out == "" {
		out = stderr.String()
	}
	msg := fmt.Sprintf("Exit code %d.", exitCode)
	if out != "" {
		msg = fmt.Sprintf("Exit code %d: %s", exitCode, excerpt(out, 280))
	}
	return done(map[string]any{
		"command":   command,
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"truncated": stdout.truncated || stderr.truncated,
		"message":   msg,
	}), nil
}

// withPingCount bounds ping, which otherwise runs until interrupted.
func withPingCount(command string) string {
	command = strings.TrimSpace(command)
	if !pingCommand.MatchString(command) {
		return command
	}
	for _, f := range strings.Fields(command)[1:] {
		if strings.HasPrefix(f, "-c") {
			return command
		}
	}
	return "ping -c 4" + strings.TrimPrefix(command, "ping")
}

// cappedBuffer keeps the first max bytes and silently drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
