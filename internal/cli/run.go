package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tutu-network/ocrd/internal/app/notify"
	"github.com/tutu-network/ocrd/internal/daemon"
	"github.com/tutu-network/ocrd/internal/domain"
)

func init() {
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "Prompt passed to the worker (default from config)")
	rootCmd.AddCommand(runCmd)
}

var runPrompt string

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Recognize one file and wait for the result",
	Long: `Run a recognition task in this process, show its progress and print
the output files once the worker is done.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Keep info logs from breaking up the progress bar.
	if !debug && cfg.Logging.File == "" {
		cfg.Logging.Level = "warn"
	}
	d, err := daemon.NewWithConfig(cfg, rootCmd.Version)
	if err != nil {
		return fmt.Errorf("initialize daemon: %w", err)
	}
	defer d.Close()

	id, err := d.Tasks.StartTask(context.Background(), args[0], runPrompt)
	if err != nil {
		return err
	}

	bar := newProgressBar(os.Stderr, filepath.Base(args[0]))
	task, err := follow(d.Tasks, id, bar.update)
	if err != nil {
		return err
	}
	bar.finish(task)
	d.Tasks.Wait()

	switch task.Status {
	case domain.TaskFailed:
		return fmt.Errorf("task %s failed: %s", id, task.ErrorMessage)
	case domain.TaskFinished:
	default:
		return fmt.Errorf("task %s stopped without a recorded final status (last: %s)", id, task.Status)
	}

	fmt.Printf("Results: %s\n", task.ResultDirectory)
	for _, f := range task.OutputFiles {
		fmt.Printf("  %s\n", f)
	}
	return nil
}

// taskSource is the part of the orchestrator follow needs.
type taskSource interface {
	GetState(taskID string) (*domain.Task, error)
	Subscribe(taskID string) *notify.Subscription
}

// follow reports a task's events to onEvent until it is terminal and
// returns the final stored record.
func follow(src taskSource, id string, onEvent func(notify.Event)) (domain.Task, error) {
	sub := src.Subscribe(id)
	defer sub.Close()

	t, err := src.GetState(id)
	if err != nil {
		return domain.Task{}, err
	}
	onEvent(notify.EventFromTask(*t))

	if !t.IsTerminal() {
		for ev := range sub.Events() {
			onEvent(ev)
			if ev.Terminal() {
				break
			}
		}
	}

	// The store has the final word, also when the terminal event was dropped.
	t, err = src.GetState(id)
	if err != nil {
		return domain.Task{}, err
	}
	return *t, nil
}
