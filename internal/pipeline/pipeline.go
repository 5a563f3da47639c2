// Package pipeline composes external commands into a Unix-pipe chain (send
// | compress | ... | decompress | receive) and waits on every stage so that
// a failing stage's status is never masked by a downstream stage that
// merely saw a broken pipe. This is the "Subprocess pipeline composition"
// design note from spec.md §9.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Stage is one command in the chain.
type Stage struct {
	Name string
	Args []string
	// Env, if non-nil, fully replaces the stage's environment; if nil, the
	// stage inherits the current process environment.
	Env []string
}

// Pipeline chains Stages' stdout into the next Stage's stdin. The first
// stage's stdin and the last stage's stdout are exposed to the caller via
// Run's in/out parameters.
type Pipeline struct {
	Stages []Stage
}

// Run executes every stage concurrently, wires them stdout-to-stdin in
// order, copies in to the first stage's stdin (if in is non-nil) and the
// last stage's stdout to out (if out is non-nil), and waits for every
// stage to exit. It returns the first non-zero-exit error encountered,
// labeled with the stage name that produced it; a later stage's "broken
// pipe" error resulting from an earlier failure is reported only if no
// earlier stage already failed.
func (p *Pipeline) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline: no stages")
	}

	cmds := make([]*exec.Cmd, len(p.Stages))
	stderrs := make([]bytes.Buffer, len(p.Stages))
	for i, st := range p.Stages {
		cmd := exec.CommandContext(ctx, st.Name, st.Args...)
		if st.Env != nil {
			cmd.Env = st.Env
		}
		cmd.Stderr = &stderrs[i]
		cmds[i] = cmd
	}

	if in != nil {
		cmds[0].Stdin = in
	}
	for i := 0; i < len(cmds)-1; i++ {
		r, w := io.Pipe()
		cmds[i].Stdout = w
		cmds[i+1].Stdin = r
	}
	if out != nil {
		cmds[len(cmds)-1].Stdout = out
	}

	for _, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("pipeline: starting %s: %w", cmd.Path, err)
		}
	}

	// Each intermediate stage's io.PipeWriter must be closed once that
	// stage exits, regardless of success, so the next stage observes EOF.
	errs := make([]error, len(cmds))
	done := make(chan int, len(cmds))
	for i, cmd := range cmds {
		go func(i int, cmd *exec.Cmd) {
			errs[i] = cmd.Wait()
			if i < len(cmds)-1 {
				if pw, ok := cmds[i].Stdout.(*io.PipeWriter); ok {
					if errs[i] != nil {
						pw.CloseWithError(errs[i])
					} else {
						pw.Close()
					}
				}
			}
			done <- i
		}(i, cmd)
	}
	for range cmds {
		<-done
	}

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("pipeline: stage %q (%s) failed: %w: %s",
				p.Stages[i].Name, p.Stages[i].Name, err, stderrs[i].String())
		}
	}
	return nil
}
