package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/arbiter/internal/engine"
	"github.com/KafClaw/arbiter/internal/gate"
	"github.com/KafClaw/arbiter/internal/router"
)

var gateCmd = &cobra.Command{
	Use:   "gate [prompt]",
	Short: "Evaluate whether a prompt should escalate to a multi-agent team",
	Long:  "Scores the prompt against the Stage-1 signals. The prompt is read from stdin when no argument is given.",
	RunE:  runGate,
}

var routeCmd = &cobra.Command{
	Use:   "route [prompt]",
	Short: "Route a prompt: gate, assess complexity, rank agents and pick a pattern",
	RunE:  runRoute,
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [prompt]",
	Short: "Route a prompt and run it on the selected agents",
	RunE:  runDispatch,
}

func init() {
	for _, c := range []*cobra.Command{gateCmd, routeCmd, dispatchCmd} {
		c.Flags().Int("budget", 0, "Token budget of the request")
		c.Flags().String("tool", "", "Tool the request targets")
		c.Flags().Bool("json", false, "Output machine-readable JSON")
	}
	for _, c := range []*cobra.Command{routeCmd, dispatchCmd} {
		c.Flags().String("candidates", "", "Comma-separated agent ids (default: registry)")
		c.Flags().String("tags", "", "Comma-separated tags candidates must carry")
		c.Flags().Int("max-agents", 0, "Team size cap (default: complexity suggestion)")
	}
	dispatchCmd.Flags().String("task-id", "", "Task id (default: generated)")
	dispatchCmd.Flags().Int("max-retries", 0, "Attempts per agent (default: retry.maxRetries)")
	dispatchCmd.Flags().String("payload", "", "JSON payload handed to agents")
	dispatchCmd.Flags().String("user-action", "", "Record user feedback: approved, rejected or modified")

	rootCmd.AddCommand(gateCmd, routeCmd, dispatchCmd)
}

func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	return prompt, nil
}

func routeRequest(cmd *cobra.Command, prompt string) engine.RouteRequest {
	budget, _ := cmd.Flags().GetInt("budget")
	tool, _ := cmd.Flags().GetString("tool")
	candidates, _ := cmd.Flags().GetString("candidates")
	tags, _ := cmd.Flags().GetString("tags")
	maxAgents, _ := cmd.Flags().GetInt("max-agents")
	return engine.RouteRequest{
		Prompt:      prompt,
		TokenBudget: budget,
		Tool:        tool,
		Candidates:  splitList(candidates),
		Tags:        splitList(tags),
		MaxAgents:   maxAgents,
	}
}

func runGate(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(cmd, args)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	budget, _ := cmd.Flags().GetInt("budget")
	tool, _ := cmd.Flags().GetString("tool")
	res := rt.engine.EvaluateStage1(prompt, budget, tool)
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	printGate(cmd.OutOrStdout(), res)
	return nil
}

func printGate(w io.Writer, res gate.Result) {
	fmt.Fprintf(w, "Decision: %s (score %d/%d, threshold %d)\n", outcomeString(res.Decision), res.Score, gate.MaxScore, res.Threshold)
	for _, r := range res.Reasons {
		fmt.Fprintf(w, "  - %s\n", r)
	}
}

func runRoute(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(cmd, args)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	rd, err := rt.engine.Route(cmd.Context(), routeRequest(cmd, prompt))
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), rd)
	}
	w := cmd.OutOrStdout()
	printHeader(w, "Routing decision "+rd.DecisionID)
	printGate(w, rd.Gate)
	fmt.Fprintf(w, "Complexity: %.0f (%s)\n", rd.Assessment.Complexity, rd.Assessment.Rationale)
	printPlan(w, rd.Plan)
	return nil
}

func printPlan(w io.Writer, p *router.Plan) {
	fmt.Fprintf(w, "Pattern: %s (%s)\n", p.Pattern, p.PatternReason)
	fmt.Fprintf(w, "Confidence: %.2f (min %.2f) %s\n", p.Confidence, p.MinConfidence, mark(p.MeetsConfidence))
	for _, a := range p.Ranked {
		selected := " "
		for _, s := range p.Agents {
			if s.AgentID == a.AgentID {
				selected = "*"
			}
		}
		cold := ""
		if a.ColdStart {
			cold = " (cold start)"
		}
		fmt.Fprintf(w, " %s %d. %-20s fitness %.3f  success %.2f  runs %d%s\n",
			selected, a.Rank, a.AgentID, a.Fitness, a.SuccessRate, a.Invocations, cold)
	}
}

func runDispatch(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(cmd, args)
	if err != nil {
		return err
	}
	taskID, _ := cmd.Flags().GetString("task-id")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	payload, _ := cmd.Flags().GetString("payload")
	action, _ := cmd.Flags().GetString("user-action")

	req := engine.DispatchRequest{
		TaskID:     taskID,
		Prompt:     prompt,
		Route:      routeRequest(cmd, prompt),
		MaxRetries: maxRetries,
		UserAction: action,
	}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("--payload must be valid JSON")
		}
		req.Payload = json.RawMessage(payload)
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.engine.Dispatch(cmd.Context(), req)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		printDispatch(cmd.OutOrStdout(), res)
	}
	if !res.Succeeded {
		return fmt.Errorf("task %s failed", res.TaskID)
	}
	return nil
}

func printDispatch(w io.Writer, res *engine.DispatchResult) {
	printHeader(w, "Task "+res.TaskID)
	fmt.Fprintf(w, "Pattern: %s  Succeeded: %s  Latency: %dms\n", res.Pattern, mark(res.Succeeded), res.LatencyMs)
	for _, r := range res.Runs {
		role := ""
		if r.Role != "" {
			role = " [" + r.Role + "]"
		}
		fmt.Fprintf(w, " %s %s%s attempts=%d %s\n", mark(r.Succeeded), r.AgentID, role, r.Attempts, r.Reason)
		if r.Error != "" {
			fmt.Fprintf(w, "     %s\n", r.Error)
		}
		if r.Output != "" {
			fmt.Fprintf(w, "     %s\n", strings.ReplaceAll(strings.TrimSpace(r.Output), "\n", "\n     "))
		}
	}
	if res.Outcome != nil {
		fmt.Fprintf(w, "Outcome recorded for %s\n", strings.Join(res.Outcome.Agents, ", "))
	}
}
