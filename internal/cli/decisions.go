package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/arbiter/internal/audit"
)

var (
	decisionsCmd = &cobra.Command{
		Use:   "decisions",
		Short: "Query, replay and export the decision audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	decisionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List decisions, newest first",
		RunE:  runDecisionsList,
	}

	decisionsReplayCmd = &cobra.Command{
		Use:   "replay <decision-id>",
		Short: "Show a decision with its reasoning steps",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecisionsReplay,
	}

	decisionsExportCmd = &cobra.Command{
		Use:   "export",
		Short: "Export decisions with their steps as JSON",
		RunE:  runDecisionsExport,
	}

	decisionsLogCmd = &cobra.Command{
		Use:   "log",
		Short: "Append a decision made outside arbiter",
		RunE:  runDecisionsLog,
	}

	decisionsStepCmd = &cobra.Command{
		Use:   "step <decision-id> <description>",
		Short: "Append a reasoning step to a decision",
		Args:  cobra.ExactArgs(2),
		RunE:  runDecisionsStep,
	}
)

func init() {
	for _, c := range []*cobra.Command{decisionsListCmd, decisionsExportCmd} {
		c.Flags().String("type", "", "Only decisions of this type")
		c.Flags().String("outcome", "", "Only decisions with this outcome")
		c.Flags().Duration("since", 0, "Only decisions newer than this (e.g. 24h)")
		c.Flags().Int("limit", 0, "Maximum number of decisions")
	}
	decisionsListCmd.Flags().Bool("counts", false, "Print totals by type and outcome")
	decisionsListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	decisionsReplayCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	decisionsExportCmd.Flags().String("out", "", "Write to file instead of stdout")

	decisionsLogCmd.Flags().String("type", "", "Decision type")
	decisionsLogCmd.Flags().String("outcome", "", "Decision outcome")
	decisionsLogCmd.Flags().String("rationale", "", "Why the decision was made")
	decisionsLogCmd.Flags().Float64("confidence", 1, "Confidence 0-1")
	decisionsLogCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	decisionsStepCmd.Flags().String("reasoning", "", "Reasoning behind the step")

	decisionsCmd.AddCommand(decisionsListCmd, decisionsReplayCmd, decisionsExportCmd, decisionsLogCmd, decisionsStepCmd)
	rootCmd.AddCommand(decisionsCmd)
}

func decisionFilter(cmd *cobra.Command) audit.Filter {
	typ, _ := cmd.Flags().GetString("type")
	outcome, _ := cmd.Flags().GetString("outcome")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	f := audit.Filter{Type: typ, Outcome: outcome, Limit: limit}
	if since > 0 {
		f.Since = time.Now().Add(-since)
	}
	return f
}

func runDecisionsList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	decisions, err := rt.engine.QueryDecisions(ctx, decisionFilter(cmd))
	if err != nil {
		return err
	}
	withCounts, _ := cmd.Flags().GetBool("counts")
	var counts audit.Counts
	if withCounts {
		if counts, err = rt.engine.DecisionCounts(ctx); err != nil {
			return err
		}
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if withCounts {
			return printJSON(cmd.OutOrStdout(), map[string]any{"decisions": decisions, "counts": counts})
		}
		return printJSON(cmd.OutOrStdout(), decisions)
	}

	w := cmd.OutOrStdout()
	if len(decisions) == 0 {
		fmt.Fprintln(w, "No decisions found.")
	}
	for _, d := range decisions {
		fmt.Fprintf(w, "%s  %s  %-18s %-22s %.2f  %s\n",
			formatTime(d.Timestamp), d.ID, d.Type, outcomeString(d.Outcome), d.Confidence, d.Rationale)
	}
	if withCounts {
		fmt.Fprintln(w)
		printHeader(w, fmt.Sprintf("Totals (%d)", counts.Total))
		for _, k := range sortedKeys(counts.ByType) {
			fmt.Fprintf(w, "type    %-22s %d\n", k, counts.ByType[k])
		}
		for _, k := range sortedKeys(counts.ByOutcome) {
			fmt.Fprintf(w, "outcome %-22s %d\n", k, counts.ByOutcome[k])
		}
	}
	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runDecisionsReplay(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	tr, err := rt.engine.Replay(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), tr)
	}
	w := cmd.OutOrStdout()
	d := tr.Decision
	printHeader(w, fmt.Sprintf("%s decision %s", d.Type, d.ID))
	fmt.Fprintf(w, "Time:       %s\n", formatTime(d.Timestamp))
	fmt.Fprintf(w, "Outcome:    %s\n", outcomeString(d.Outcome))
	fmt.Fprintf(w, "Confidence: %.2f\n", d.Confidence)
	fmt.Fprintf(w, "Rationale:  %s\n", d.Rationale)
	for _, s := range tr.Steps {
		fmt.Fprintf(w, "  %d. %s\n", s.Step, s.Description)
		if s.Reasoning != "" {
			fmt.Fprintf(w, "     %s\n", s.Reasoning)
		}
	}
	return nil
}

func runDecisionsExport(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	exp, err := rt.engine.Export(cmd.Context(), decisionFilter(cmd))
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		return printJSON(cmd.OutOrStdout(), exp)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := printJSON(f, exp); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d decisions to %s\n", len(exp.Traces), out)
	return nil
}

func runDecisionsLog(cmd *cobra.Command, args []string) error {
	typ, _ := cmd.Flags().GetString("type")
	outcome, _ := cmd.Flags().GetString("outcome")
	rationale, _ := cmd.Flags().GetString("rationale")
	confidence, _ := cmd.Flags().GetFloat64("confidence")

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	d, err := rt.engine.LogDecision(cmd.Context(), audit.Decision{
		Type:       typ,
		Outcome:    outcome,
		Rationale:  rationale,
		Confidence: confidence,
	})
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), d)
	}
	fmt.Fprintln(cmd.OutOrStdout(), d.ID)
	return nil
}

func runDecisionsStep(cmd *cobra.Command, args []string) error {
	reasoning, _ := cmd.Flags().GetString("reasoning")
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	tr, err := rt.engine.Replay(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	s, err := rt.engine.LogChainOfThought(cmd.Context(), audit.Step{
		DecisionID:  args[0],
		Step:        len(tr.Steps) + 1,
		Description: args[1],
		Reasoning:   reasoning,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Step %d recorded for %s\n", s.Step, s.DecisionID)
	return nil
}
