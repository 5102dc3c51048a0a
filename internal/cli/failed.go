package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	failedCmd = &cobra.Command{
		Use:   "failed",
		Short: "Manage tasks that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	failedListCmd = &cobra.Command{
		Use:   "list",
		Short: "List failed tasks",
		RunE:  runFailedList,
	}

	failedRedriveCmd = &cobra.Command{
		Use:   "redrive",
		Short: "Retry every failed task once",
		RunE:  runFailedRedrive,
	}

	failedDiscardCmd = &cobra.Command{
		Use:   "discard <task-id>",
		Short: "Drop a failed task without retrying it",
		Args:  cobra.ExactArgs(1),
		RunE:  runFailedDiscard,
	}
)

func init() {
	failedListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	failedRedriveCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	failedCmd.AddCommand(failedListCmd, failedRedriveCmd, failedDiscardCmd)
	rootCmd.AddCommand(failedCmd)
}

func runFailedList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	tasks, err := rt.engine.FailedTasks(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), tasks)
	}
	w := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No failed tasks.")
		return nil
	}
	for _, t := range tasks {
		fmt.Fprintf(w, "%s  %-40s %-24s %-12s attempts %d redrives %d\n",
			formatTime(t.FailedAt), t.TaskID, t.Operation.Resource, t.Class, t.Attempts, t.RedriveCount)
		fmt.Fprintf(w, "    %s\n", t.LastError)
	}
	return nil
}

func runFailedRedrive(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.engine.RedriveFailed(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Attempted %d, recovered %d, failed %d, skipped %d\n",
		res.Attempted, res.Recovered, res.Failed, res.Skipped)
	return nil
}

func runFailedDiscard(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.engine.DiscardFailed(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
	return nil
}
