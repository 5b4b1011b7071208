package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/signet/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditKeyID         string
	auditAlgorithm     string
	auditLimit         int
	auditOffset        int
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query audit logs",
	Long: `Query the keystore audit trail.

Examples:
  # Query recent events
  signet audit query

  # Query failed events in the last 24 hours
  signet audit query --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Query operations on a specific key
  signet audit query --key-id signing

  # Query with a custom time range
  signet audit query --since "2026-01-01T00:00:00Z" --until "2026-01-31T23:59:59Z"`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit logs with filters",
	RunE:  runAuditQuery,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	RunE:  runAuditFailures,
}

var auditPassphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Show passphrase-related audit events",
	RunE:  runAuditPassphrase,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditFailuresCmd)
	auditCmd.AddCommand(auditPassphraseCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditKeyID, "key-id", "", "Filter by key ID")
	auditQueryCmd.Flags().StringVar(&auditAlgorithm, "algorithm", "", "Filter by algorithm")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildAuditQueryOptions()
	if err != nil {
		return err
	}
	return showAuditEvents(options)
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	options, err := buildAuditQueryOptions()
	if err != nil {
		return err
	}
	falseVal := false
	options.Success = &falseVal
	return showAuditEvents(options)
}

func runAuditPassphrase(cmd *cobra.Command, args []string) error {
	options, err := buildAuditQueryOptions()
	if err != nil {
		return err
	}
	options.PassphraseAccess = true
	return showAuditEvents(options)
}

func buildAuditQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Namespace: namespace,
		Action:    auditAction,
		KeyID:     auditKeyID,
		Algorithm: auditAlgorithm,
		Limit:     auditLimit,
		Offset:    auditOffset,
	}

	if auditSince != "" {
		t, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &t
	}

	if auditUntil != "" {
		t, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &t
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter, use true or false: %w", err)
		}
		options.Success = &success
	}

	return options, nil
}

func showAuditEvents(options audit.QueryOptions) error {
	result, err := keyStore.Audit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}

	if auditJsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events found")
		return nil
	}

	printAuditTable(result)
	return nil
}

func printAuditTable(result audit.QueryResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tKEY ID\tSUCCESS\tUSER")
	for _, event := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			event.Timestamp.Format(time.RFC3339),
			event.Action,
			event.KeyID,
			event.Success,
			event.UserID)
	}
	w.Flush()

	fmt.Printf("\nShowing %d of %d events", len(result.Events), result.TotalCount)
	if result.HasMore {
		fmt.Printf(" (more available, use --offset %d)", auditOffset+len(result.Events))
	}
	fmt.Println()

	if auditDetails {
		for _, event := range result.Events {
			fmt.Printf("\nEvent %s\n", event.ID)
			fmt.Printf("  Action:    %s\n", event.Action)
			fmt.Printf("  Timestamp: %s\n", event.Timestamp.Format(time.RFC3339))
			if event.KeyID != "" {
				fmt.Printf("  Key ID:    %s\n", event.KeyID)
			}
			if event.Algorithm != "" {
				fmt.Printf("  Algorithm: %s\n", event.Algorithm)
			}
			if event.Error != "" {
				fmt.Printf("  Error:     %s\n", event.Error)
			}
			if event.Source != "" {
				fmt.Printf("  Source:    %s\n", event.Source)
			}
			if event.Duration > 0 {
				fmt.Printf("  Duration:  %dms\n", event.Duration)
			}
		}
	}
}
