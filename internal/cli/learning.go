package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/arbiter/internal/learning"
	"github.com/KafClaw/arbiter/internal/stats"
)

var (
	outcomeCmd = &cobra.Command{
		Use:   "outcome",
		Short: "Record and inspect task outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	outcomeRecordCmd = &cobra.Command{
		Use:   "record",
		Short: "Record the outcome of a task executed outside arbiter",
		RunE:  runOutcomeRecord,
	}

	outcomeListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the most recent outcomes",
		RunE:  runOutcomeList,
	}

	adaptCmd = &cobra.Command{
		Use:   "adapt",
		Short: "Adapt the routing confidence threshold from recent outcomes",
		RunE:  runAdapt,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show routing weights, agent and pattern statistics",
		RunE:  runStats,
	}
)

func init() {
	outcomeRecordCmd.Flags().String("task-id", "", "Task id (default: generated)")
	outcomeRecordCmd.Flags().String("agents", "", "Comma-separated agent ids that ran the task")
	outcomeRecordCmd.Flags().String("pattern", stats.PatternSequential, "Coordination pattern used")
	outcomeRecordCmd.Flags().Float64("complexity", 0, "Task complexity 0-100")
	outcomeRecordCmd.Flags().Bool("success", false, "Task succeeded")
	outcomeRecordCmd.Flags().Int64("latency-ms", 0, "End-to-end latency in milliseconds")
	outcomeRecordCmd.Flags().Int64("tokens", 0, "Tokens consumed")
	outcomeRecordCmd.Flags().String("user-action", "", "User feedback: approved, rejected or modified")
	outcomeRecordCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	outcomeListCmd.Flags().Int("limit", 20, "Number of outcomes to show")
	outcomeListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	outcomeCmd.AddCommand(outcomeRecordCmd, outcomeListCmd)

	adaptCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	statsCmd.Flags().Bool("json", false, "Output machine-readable JSON")

	rootCmd.AddCommand(outcomeCmd, adaptCmd, statsCmd)
}

func runOutcomeRecord(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	taskID, _ := f.GetString("task-id")
	agents, _ := f.GetString("agents")
	pattern, _ := f.GetString("pattern")
	complexity, _ := f.GetFloat64("complexity")
	success, _ := f.GetBool("success")
	latency, _ := f.GetInt64("latency-ms")
	tokens, _ := f.GetInt64("tokens")
	action, _ := f.GetString("user-action")

	o := learning.Outcome{
		TaskID:     taskID,
		Agents:     splitList(agents),
		Pattern:    pattern,
		Complexity: complexity,
		Success:    success,
		LatencyMs:  latency,
		Tokens:     tokens,
		UserAction: action,
	}
	if len(o.Agents) == 0 {
		return fmt.Errorf("--agents is required")
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	saved, err := rt.engine.RecordOutcome(cmd.Context(), o)
	if err != nil {
		return err
	}
	if asJSON, _ := f.GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), saved)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded outcome %s for %s (%s)\n",
		saved.TaskID, strings.Join(saved.Agents, ", "), outcomeLabel(saved.Success))
	return nil
}

func runOutcomeList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	outcomes, err := rt.engine.Outcomes(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), outcomes)
	}
	w := cmd.OutOrStdout()
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "No outcomes recorded.")
		return nil
	}
	for _, o := range outcomes {
		fmt.Fprintf(w, "%s  %-36s %-12s %-8s %6dms  %s\n", formatTime(o.RecordedAt), o.TaskID, o.Pattern,
			outcomeLabel(o.Success), o.LatencyMs, strings.Join(o.Agents, ","))
	}
	return nil
}

func outcomeLabel(success bool) string {
	if success {
		return outcomeString("success")
	}
	return outcomeString("failure")
}

func runAdapt(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.engine.AdaptWeights(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Direction: %s  Applied: %s\n", res.Direction, mark(res.Applied))
	fmt.Fprintf(w, "Reason: %s\n", res.Reason)
	if res.Samples > 0 {
		fmt.Fprintf(w, "Samples: %d  Avg success: %.2f\n", res.Samples, res.AvgSuccess)
	}
	fmt.Fprintf(w, "Min confidence: %.3f -> %.3f (version %d)\n", res.Previous, res.Current, res.Version)
	return nil
}

type statsReport struct {
	Weights  stats.RoutingWeights `json:"weights"`
	Agents   []stats.AgentStat    `json:"agents"`
	Patterns []stats.PatternStat  `json:"patterns"`
}

func runStats(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	var rep statsReport
	if rep.Weights, err = rt.engine.Weights(ctx); err != nil {
		return err
	}
	if rep.Agents, err = rt.engine.AgentStats(ctx); err != nil {
		return err
	}
	if rep.Patterns, err = rt.engine.PatternStats(ctx); err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), rep)
	}
	printStats(cmd.OutOrStdout(), rep)
	return nil
}

func printStats(w io.Writer, rep statsReport) {
	wt := rep.Weights
	printHeader(w, "Routing weights")
	fmt.Fprintf(w, "success %.2f  latency %.2f  cost %.2f  approval %.2f\n", wt.Success, wt.Latency, wt.Cost, wt.Approval)
	fmt.Fprintf(w, "min confidence %.3f  rate %.3f  min samples %d  version %d\n\n",
		wt.MinConfidence, wt.AdaptationRate, wt.MinSamples, wt.Version)

	printHeader(w, "Agents")
	if len(rep.Agents) == 0 {
		fmt.Fprintln(w, "No agent statistics yet.")
	}
	for _, a := range rep.Agents {
		fmt.Fprintf(w, "%-20s runs %-5d success %.2f  avg %.0fms  approvals %d/%d  last %s\n",
			a.AgentID, a.Invocations, a.SuccessRate, a.AvgLatencyMs, a.Approvals, a.Feedback, formatTime(a.LastUsed))
	}
	fmt.Fprintln(w)

	printHeader(w, "Patterns")
	if len(rep.Patterns) == 0 {
		fmt.Fprintln(w, "No pattern statistics yet.")
	}
	for _, p := range rep.Patterns {
		fmt.Fprintf(w, "%-14s total %-5d success %.2f  avg %.0fms\n", p.Pattern, p.Total, p.SuccessRate, p.AvgLatencyMs)
	}
}
