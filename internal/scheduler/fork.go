package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// runForked executes the job in a child process. The child resolves the
// handler by name the same way this process would and reports through its
// exit code; the parent keeps the claim, the watchdog and concurrency
// gating.
func (s *Scheduler) runForked(ctx context.Context, job *Job) error {
	argv := append(append([]string(nil), s.forkCommand...), job.ID())
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	s.logger.Debug("forking job", "job_id", job.ID(), "command", argv[0])

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("forked job failed: %w: %s", err, tail(output.Bytes(), 512))
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return "..." + string(b[len(b)-n:])
}
