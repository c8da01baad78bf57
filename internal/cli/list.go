package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/ocrd/internal/daemon"
	"github.com/tutu-network/ocrd/internal/domain"
)

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum number of tasks to show")
	listCmd.Flags().BoolVar(&listActive, "active", false, "Only show Pending and Running tasks")
	rootCmd.AddCommand(listCmd)
}

var (
	listLimit  int
	listActive bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent tasks",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := daemon.OpenStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.ListTasks(listLimit)
	if err != nil {
		return err
	}
	if listActive {
		active := tasks[:0]
		for _, t := range tasks {
			if !t.IsTerminal() {
				active = append(active, t)
			}
		}
		tasks = active
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks yet. Run 'ocrd run <file>' to start one.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tINPUT\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\n",
			t.ID,
			t.Status,
			t.Progress,
			inputName(t),
			t.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func inputName(t domain.Task) string {
	if t.InputPath == "" {
		return "-"
	}
	return filepath.Base(t.InputPath)
}
