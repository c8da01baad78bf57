package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tutu-network/ocrd/internal/daemon"
	"github.com/tutu-network/ocrd/internal/domain"
)

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "Output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status TASK_ID",
	Short: "Show the recorded state of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := daemon.OpenStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.GetTask(args[0])
	if err != nil {
		return err
	}
	return printTask(os.Stdout, *t, statusOutput)
}

// printTask renders a task record. The json and yaml formats share the
// persisted field names.
func printTask(w io.Writer, t domain.Task, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	case "yaml", "yml":
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		var doc yaml.Node
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return err
		}
		blockStyle(&doc)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
		fmt.Fprintf(w, "Task:      %s\n", t.ID)
		fmt.Fprintf(w, "Status:    %s\n", t.Status)
		fmt.Fprintf(w, "Progress:  %d%%\n", t.Progress)
		if t.InputPath != "" {
			fmt.Fprintf(w, "Input:     %s (%s)\n", t.InputPath, t.FileType)
		}
		fmt.Fprintf(w, "Results:   %s\n", t.ResultDirectory)
		fmt.Fprintf(w, "Updated:   %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		switch t.Status {
		case domain.TaskFinished:
			fmt.Fprintf(w, "Files:     %d\n", len(t.OutputFiles))
			for _, f := range t.OutputFiles {
				fmt.Fprintf(w, "  %s\n", f)
			}
		case domain.TaskFailed:
			fmt.Fprintf(w, "Error:     %s\n", t.ErrorMessage)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// blockStyle drops the flow and quoting styles a JSON document parses with.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
