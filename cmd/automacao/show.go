package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ricardoadorno/automacao/pkg/recorder"
	"github.com/ricardoadorno/automacao/pkg/trace"
)

var showCmd = &cobra.Command{
	Use:   "show [runDir]",
	Short: "Render the summary of a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := recorder.LoadSummary(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderSummary(s, terminalWidth()))
		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("index: "+filepath.Join(args[0], recorder.IndexFile)))
		return nil
	},
}

// --- trace verify ---

var traceVerifyCmd = &cobra.Command{
	Use:   "verify [trace.jsonl]",
	Short: "Verify trace file integrity (hash chain + signature)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceVerify,
}

func runTraceVerify(cmd *cobra.Command, args []string) error {
	path := args[0]
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, trace.FileName)
	}

	var key []byte
	if k := os.Getenv("AUTOMACAO_TRACE_SIGNING_KEY"); k != "" {
		key = []byte(k)
	}
	result, err := trace.VerifyFile(path, key)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !result.Valid {
		fmt.Fprintf(out, "✗ Chain broken at event %d\n", result.BrokenAt)
		if result.Error != "" {
			fmt.Fprintf(out, "  %s\n", result.Error)
		}
		return fmt.Errorf("chain verification failed")
	}
	fmt.Fprintf(out, "✓ Chain integrity: %d events, no breaks\n", result.EventCount)
	if !result.Sealed {
		fmt.Fprintf(out, "⚠ Trace has no run_complete event (run still in progress or interrupted)\n")
		return nil
	}

	switch {
	case !result.Signed:
		fmt.Fprintf(out, "  unsigned (no AUTOMACAO_TRACE_SIGNING_KEY at run time)\n")
	case result.SignatureNoKey:
		fmt.Fprintf(out, "⚠ Signature present but no AUTOMACAO_TRACE_SIGNING_KEY set to verify\n")
	case result.SignatureOK:
		fmt.Fprintf(out, "✓ Signature valid\n")
	default:
		fmt.Fprintf(out, "✗ Signature invalid\n")
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func init() {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace file operations",
	}
	traceCmd.AddCommand(traceVerifyCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(showCmd)
}
