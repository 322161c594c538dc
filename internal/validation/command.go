package validation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ctxsync/internal/config"
	"github.com/sells-group/ctxsync/internal/model"
)

// CommandValidator runs one shell command per level in the source directory.
// Lines of stdout that decode as {"code","message","path"} become structured
// diagnostics; other non-empty lines are kept as free text. Exit status 0 is a
// pass.
type CommandValidator struct {
	dir      string
	commands map[string]string
}

// NewCommandValidator creates a validator for the given level commands.
func NewCommandValidator(dir string, commands map[string]string) *CommandValidator {
	return &CommandValidator{dir: dir, commands: commands}
}

// CommandsFromConfig maps level names to their configured commands.
func CommandsFromConfig(cfg config.ValidationConfig) map[string]string {
	out := make(map[string]string, len(cfg.Levels))
	for _, l := range cfg.Levels {
		out[l.Name] = l.Command
	}
	return out
}

// Run executes the command configured for level.
func (v *CommandValidator) Run(ctx context.Context, level Level) (Result, error) {
	command := strings.TrimSpace(v.commands[level.Name])
	if command == "" {
		return Result{}, eris.Errorf("validation: no command configured for level %s", level.Name)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = v.dir
	// Children that inherit stdout must not hold Run open past cancellation.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, eris.Wrapf(ctx.Err(), "validation: %s", level.Name)
	}

	diags, perr := ParseDiagnostics(stdout.Bytes())
	if perr != nil {
		return Result{}, eris.Wrapf(perr, "validation: %s output", level.Name)
	}
	if err == nil {
		return Result{Pass: true, Diagnostics: diags}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Result{}, eris.Wrapf(err, "validation: start %s", level.Name)
	}
	if len(diags) == 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = exitErr.Error()
		}
		diags = []model.Diagnostic{{Message: msg}}
	}
	return Result{Pass: false, Diagnostics: diags}, nil
}

const maxDiagnosticLine = 1 << 20

// ParseDiagnostics splits validator output into diagnostics. A line longer
// than maxDiagnosticLine is an error.
func ParseDiagnostics(out []byte) ([]model.Diagnostic, error) {
	var diags []model.Diagnostic
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), maxDiagnosticLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var d model.Diagnostic
			if err := json.Unmarshal([]byte(line), &d); err == nil && (d.Code != "" || d.Message != "") {
				diags = append(diags, d)
				continue
			}
		}
		diags = append(diags, model.Diagnostic{Message: line})
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "validation: parse diagnostics")
	}
	return diags, nil
}
