package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KafClaw/arbiter/internal/circuit"
)

var (
	circuitCmd = &cobra.Command{
		Use:   "circuit",
		Short: "Inspect and operate circuit breakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	circuitListCmd = &cobra.Command{
		Use:   "list",
		Short: "List every known breaker",
		RunE:  runCircuitList,
	}

	circuitCheckCmd = &cobra.Command{
		Use:   "check <resource>",
		Short: "Ask whether a call to resource is allowed",
		Args:  cobra.ExactArgs(1),
		RunE:  runCircuitCheck,
	}

	circuitSuccessCmd = &cobra.Command{
		Use:   "success <resource>",
		Short: "Record a successful call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCircuitRecord(cmd, args[0], "success")
		},
	}

	circuitFailureCmd = &cobra.Command{
		Use:   "failure <resource>",
		Short: "Record a failed call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCircuitRecord(cmd, args[0], "failure")
		},
	}

	circuitResetCmd = &cobra.Command{
		Use:   "reset <resource>",
		Short: "Force a breaker back to closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCircuitRecord(cmd, args[0], "reset")
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{circuitListCmd, circuitCheckCmd, circuitSuccessCmd, circuitFailureCmd, circuitResetCmd} {
		c.Flags().Bool("json", false, "Output machine-readable JSON")
		circuitCmd.AddCommand(c)
	}
	rootCmd.AddCommand(circuitCmd)
}

func runCircuitList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	snaps, err := rt.engine.Circuits(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), snaps)
	}
	w := cmd.OutOrStdout()
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No circuit breakers yet.")
		return nil
	}
	for _, s := range snaps {
		printSnapshot(w, s)
	}
	return nil
}

func runCircuitCheck(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	v := rt.engine.CircuitCheck(cmd.Context(), args[0])
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), v)
	}
	note := ""
	switch {
	case v.Probe:
		note = " (probe)"
	case v.Degraded:
		note = " (state unavailable, failing open)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s is %s%s\n", mark(v.Allowed), args[0], stateString(v.State), note)
	return nil
}

func runCircuitRecord(cmd *cobra.Command, resource, what string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	var snap circuit.Snapshot
	switch what {
	case "success":
		snap, err = rt.engine.CircuitRecordSuccess(ctx, resource)
	case "failure":
		snap, err = rt.engine.CircuitRecordFailure(ctx, resource)
	default:
		snap, err = rt.engine.CircuitReset(ctx, resource)
	}
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), snap)
	}
	printSnapshot(cmd.OutOrStdout(), snap)
	return nil
}

func printSnapshot(w io.Writer, s circuit.Snapshot) {
	fmt.Fprintf(w, "%-30s %-18s failures %-3d successes %-3d updated %s\n",
		s.Resource, stateString(s.State), s.FailureCount, s.SuccessCount, formatTime(s.UpdatedAt))
}
