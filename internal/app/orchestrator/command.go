package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tutu-network/ocrd/internal/domain"
	"github.com/tutu-network/ocrd/internal/infra/engine"
)

// WorkerConfig describes how workers are invoked. Each command is an argv
// template; the placeholders {input}, {output}, {prompt}, {model} and
// {task_id} are replaced per task. The same values are exported to the
// worker as OCRD_INPUT_PATH, OCRD_OUTPUT_PATH, OCRD_PROMPT, OCRD_MODEL_PATH
// and OCRD_TASK_ID.
type WorkerConfig struct {
	PDFCommand   []string
	ImageCommand []string
	ModelPath    string
	Dir          string   // working directory, empty for the daemon's own
	Env          []string // extra KEY=VALUE pairs
}

var errNoCommand = errors.New("no worker command configured")

// buildCommand renders the worker invocation for task.
func (w WorkerConfig) buildCommand(task domain.Task) (engine.Command, error) {
	var tmpl []string
	switch task.FileType {
	case domain.FilePDF:
		tmpl = w.PDFCommand
	case domain.FileImage:
		tmpl = w.ImageCommand
	default:
		return engine.Command{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedFileType, task.FileType)
	}
	if len(tmpl) == 0 || strings.TrimSpace(tmpl[0]) == "" {
		return engine.Command{}, fmt.Errorf("%w for %s input", errNoCommand, task.FileType)
	}

	r := strings.NewReplacer(
		"{input}", task.InputPath,
		"{output}", task.ResultDirectory,
		"{prompt}", task.Prompt,
		"{model}", w.ModelPath,
		"{task_id}", task.ID,
	)
	argv := make([]string, len(tmpl))
	for i, a := range tmpl {
		argv[i] = r.Replace(a)
	}

	env := append([]string{
		"OCRD_INPUT_PATH=" + task.InputPath,
		"OCRD_OUTPUT_PATH=" + task.ResultDirectory,
		"OCRD_PROMPT=" + task.Prompt,
		"OCRD_MODEL_PATH=" + w.ModelPath,
		"OCRD_TASK_ID=" + task.ID,
	}, w.Env...)

	return engine.Command{Path: argv[0], Args: argv[1:], Env: env, Dir: w.Dir}, nil
}
