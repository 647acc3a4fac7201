// The rolloutctl command is the operator CLI for rolloutd. Exit codes:
// 0 on success, 1 when the run does not exist, 2 when the command is
// not valid for the run's current phase.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ljluestc/canary/internal/application"
	"github.com/ljluestc/canary/internal/domain"
	"github.com/ljluestc/canary/internal/infrastructure/httpapi"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	var serverURL string

	client := &httpapi.Client{}
	root := &cobra.Command{
		Use:           "rolloutctl",
		Short:         "Operate progressive rollouts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			client.BaseURL = serverURL
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8700", "rolloutd control-plane address")

	root.AddCommand(
		commandCmd("promote", "Promote a paused run past its hold", func(ctx context.Context, id domain.RunID) error {
			return client.Promote(ctx, id)
		}),
		commandCmd("resume", "Resume a paused run at its current step", func(ctx context.Context, id domain.RunID) error {
			return client.Resume(ctx, id)
		}),
		commandCmd("pause", "Hold a run at its current weight", func(ctx context.Context, id domain.RunID) error {
			return client.Pause(ctx, id)
		}),
		abortCmd(client),
		statusCmd(client),
		listCmd(client),
	)

	err := root.Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, domain.ErrInvalidTransition):
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
}

func commandCmd(name, short string, fn func(context.Context, domain.RunID) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " RUN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := fn(cmd.Context(), domain.RunID(args[0])); err != nil {
				return err
			}
			fmt.Printf("%s requested for run %s\n", name, args[0])
			return nil
		},
	}
}

func abortCmd(client *httpapi.Client) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort RUN_ID",
		Short: "Roll a run back to the stable version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Abort(cmd.Context(), domain.RunID(args[0]), reason); err != nil {
				return err
			}
			fmt.Printf("abort requested for run %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the run history")
	return cmd
}

func statusCmd(client *httpapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show a run's phase, weight, and recent history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client.Status(cmd.Context(), domain.RunID(args[0]))
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	}
}

func listCmd(client *httpapi.Client) *cobra.Command {
	var specID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs (active by default, all for --spec)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				runs []domain.RolloutRun
				err  error
			)
			if specID != "" {
				runs, err = client.ListRuns(cmd.Context(), domain.SpecID(specID))
			} else {
				runs, err = client.ListActive(cmd.Context())
			}
			if err != nil {
				return err
			}
			printRuns(runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&specID, "spec", "", "list every run of this spec instead of active runs")
	return cmd
}

func printStatus(status application.RunStatus) {
	run := status.Run
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Spec:     %s\n", run.SpecID)
	fmt.Printf("Image:    %s\n", run.NewRef.Image)
	fmt.Printf("Strategy: %s\n", run.Spec.Kind)
	fmt.Printf("Phase:    %s\n", run.Phase)
	fmt.Printf("Weight:   %d%%\n", run.Weight)
	if run.Spec.Canary != nil {
		fmt.Printf("Step:     %d/%d\n", run.StepIndex, len(run.Spec.Canary.Steps))
	}
	if run.AbortReason != "" {
		fmt.Printf("Abort:    %s\n", run.AbortReason)
	}
	if len(status.Analyses) > 0 {
		last := status.Analyses[len(status.Analyses)-1]
		fmt.Printf("Analysis: %s (%s, %d evaluations)\n", last.Verdict, last.Template, len(status.Analyses))
	}

	history := run.History
	if len(history) > 5 {
		history = history[len(history)-5:]
	}
	if len(history) > 0 {
		fmt.Println("History:")
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		for _, rec := range history {
			fmt.Fprintf(w, "  %s\t%s -> %s\t%s\n",
				rec.Time.Format(time.RFC3339), rec.From, rec.To, rec.Reason)
		}
		w.Flush()
	}
}

func printRuns(runs []domain.RolloutRun) {
	if len(runs) == 0 {
		fmt.Println("no runs")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSPEC\tPHASE\tWEIGHT\tIMAGE")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n",
			run.ID, run.SpecID, run.Phase, run.Weight, run.NewRef.Image)
	}
	w.Flush()
}
