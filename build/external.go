package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/wisepulse/silopipe"
)

// IndexCompiler turns the globally sorted record stream into an
// immutable index under versionDir.
type IndexCompiler interface {
	Compile(ctx context.Context, sorted io.Reader, versionDir string) error
}

// ServerControl stops and starts the serving process around a build.
type ServerControl interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context, versionDir string) error
}

// ExecCompiler runs an external compiler command. The sorted stream is
// piped to its stdin and the target version directory is appended as
// the final argument.
type ExecCompiler struct {
	Command []string
	Logger  *slog.Logger
}

func (c *ExecCompiler) Compile(ctx context.Context, sorted io.Reader, versionDir string) error {
	if len(c.Command) == 0 {
		return silopipe.E(silopipe.KindInput, fmt.Errorf("compiler command not configured"))
	}

	argv := append(append([]string(nil), c.Command...), versionDir)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = sorted

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if c.Logger != nil {
		c.Logger.Info("running index compiler", "command", argv[0], "version_dir", versionDir)
	}
	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return silopipe.Errorf(silopipe.KindIntegrity, "index compiler: %v: %s", err, msg)
		}
		return silopipe.Errorf(silopipe.KindIntegrity, "index compiler: %v", err)
	}
	return nil
}

// ExecServerControl drives the serving process with configured shell
// commands. Empty commands are no-ops, which keeps local development
// runs from needing a server at all.
type ExecServerControl struct {
	StartCommand []string
	StopCommand  []string
	Logger       *slog.Logger
}

func (s *ExecServerControl) Stop(ctx context.Context) error {
	return s.run(ctx, s.StopCommand, "stop")
}

func (s *ExecServerControl) Start(ctx context.Context, versionDir string) error {
	if len(s.StartCommand) == 0 {
		return nil
	}
	argv := append(append([]string(nil), s.StartCommand...), versionDir)
	return s.run(ctx, argv, "start")
}

func (s *ExecServerControl) run(ctx context.Context, argv []string, what string) error {
	if len(argv) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if s.Logger != nil {
		s.Logger.Info("server control", "action", what, "command", argv[0])
	}
	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return fmt.Errorf("server %s: %v: %s", what, err, msg)
		}
		return fmt.Errorf("server %s: %w", what, err)
	}
	return nil
}
