package healing

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/records"
)

// Remediator applies the fix for one error class. It returns a short
// description of what it did.
type Remediator interface {
	Remediate(ctx context.Context, class model.ErrorClass, run model.ValidationRun) (string, error)
}

// CommandRemediator runs a shell command in the source directory.
type CommandRemediator struct {
	Dir     string
	Command string
	Timeout time.Duration
}

// Remediate runs the command. A non-zero exit is an error.
func (c CommandRemediator) Remediate(ctx context.Context, class model.ErrorClass, _ model.ValidationRun) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Dir = c.Dir
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	desc := "command: " + c.Command
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		return desc, eris.Wrapf(err, "healing: remediate %s: %s", class, msg)
	}
	return desc, nil
}

// RefreshRemediator marks records built from the failing paths stale and
// asks the rederiver to rebuild them.
type RefreshRemediator struct {
	Records   *records.Store
	Rederiver records.Rederiver
}

// Remediate refreshes every record whose source paths appear in the run's diagnostics.
func (r RefreshRemediator) Remediate(ctx context.Context, class model.ErrorClass, run model.ValidationRun) (string, error) {
	paths := model.NewPathSet(run.DiagnosticPaths()...)
	if len(paths) == 0 {
		return "refresh: no diagnostic paths", nil
	}

	var ids []string
	for _, rec := range r.Records.List("") {
		if rec.TouchesAny(paths) {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return "refresh: no records reference the failing paths", nil
	}

	if _, err := r.Records.MarkStale(ctx, ids, true); err != nil {
		return "", eris.Wrapf(err, "healing: remediate %s", class)
	}
	desc := fmt.Sprintf("refresh: %d records", len(ids))
	if r.Rederiver == nil {
		return desc, nil
	}
	if err := r.Rederiver.Rederive(ctx, ids); err != nil {
		return desc, eris.Wrapf(err, "healing: rederive for %s", class)
	}
	return desc, nil
}
