// Package shell runs commands through /bin/sh.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/ravi-parthasarathy/baton/pkg/adaptor"
	"github.com/ravi-parthasarathy/baton/pkg/pipeline"
	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// Name is the namespace of this adaptor.
const Name = "shell"

// Version of the shell adaptor.
var Version = semver.MustParse("1.0.0")

// New returns the shell adaptor. Commands without a dir option run in
// workdir; an empty workdir means the process's working directory.
func New(workdir string) *adaptor.Adaptor {
	s := &runner{workdir: workdir}
	return &adaptor.Adaptor{
		Name:        Name,
		Version:     Version,
		Description: "run shell commands",
		Funcs: map[string]adaptor.Func{
			"exec": s.Exec,
		},
	}
}

// waitDelay bounds how long a cancelled command's output pipes are
// drained after the shell itself has been killed.
const waitDelay = time.Second

type runner struct {
	workdir string
}

// Exec runs a command and stores {stdout, stderr, exitCode} under key:
// exec(key, command[, options]). Options: dir, env (object), timeout and
// errors (default true; false keeps a non-zero exit from failing).
func (s *runner) Exec(args ...any) (*pipeline.Operation, error) {
	if err := adaptor.Arity(args, 2, 3); err != nil {
		return nil, err
	}
	key, err := adaptor.Key(args, 0)
	if err != nil {
		return nil, err
	}
	return pipeline.NewOperation("exec", func(ctx context.Context, st state.State, a []any) (state.State, error) {
		command, err := adaptor.String(a[1], "command")
		if err != nil {
			return nil, err
		}
		opts, err := adaptor.Options(adaptor.Opt(a, 2), "options")
		if err != nil {
			return nil, err
		}

		runCtx := ctx
		if v, ok := opts["timeout"]; ok {
			d, err := adaptor.Duration(v, "timeout")
			if err != nil {
				return nil, err
			}
			if d > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
		}

		cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
		cmd.WaitDelay = waitDelay
		cmd.Dir = s.workdir
		if v, ok := opts["dir"]; ok {
			if cmd.Dir, err = adaptor.String(v, "dir"); err != nil {
				return nil, err
			}
		}
		env, err := adaptor.Options(opts["env"], "env")
		if err != nil {
			return nil, err
		}
		if len(env) > 0 {
			cmd.Env = os.Environ()
			names := make([]string, 0, len(env))
			for k := range env {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, k := range names {
				v, err := adaptor.String(env[k], "env "+k)
				if err != nil {
					return nil, err
				}
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		exitCode := 0
		if runErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(runErr, &exitErr) {
				return nil, fmt.Errorf("run %q: %w", command, runErr)
			}
			exitCode = exitErr.ExitCode()
		}
		zerolog.Ctx(ctx).Debug().Str("command", command).Int("exit", exitCode).Msg("shell command finished")

		if exitCode != 0 && adaptor.Bool(opts["errors"], true) {
			msg := fmt.Sprintf("command exited with code %d", exitCode)
			if first, _, _ := strings.Cut(strings.TrimSpace(stderr.String()), "\n"); first != "" {
				msg += ": " + first
			}
			return nil, errors.New(msg)
		}
		st[key] = map[string]any{
			"stdout":   stdout.String(),
			"stderr":   stderr.String(),
			"exitCode": exitCode,
		}
		return st, nil
	}, args...), nil
}
