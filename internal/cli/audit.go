package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncweave/securecore/internal/audit"
	"github.com/syncweave/securecore/internal/permission"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the security audit log",
	}
	cmd.AddCommand(newAuditTailCmd(), newAuditSearchCmd(), newAuditExportCmd())
	return cmd
}

func newAuditTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(permission.Policy{})
			if err != nil {
				return err
			}
			defer a.Close()

			for _, e := range a.Audit.Recent(n) {
				printEntry(cmd, e)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		category string
		deviceID string
		level    string
		since    time.Duration
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the in-memory audit window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(permission.Policy{})
			if err != nil {
				return err
			}
			defer a.Close()

			f := audit.Filter{
				Category: category,
				DeviceID: deviceID,
				Level:    audit.Level(level),
				Limit:    limit,
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			entries := a.Audit.Search(f)
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matching entries")
				return nil
			}
			for _, e := range entries {
				printEntry(cmd, e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "filter by category (pairing, permission, ...)")
	cmd.Flags().StringVar(&deviceID, "device", "", "filter by device id")
	cmd.Flags().StringVar(&level, "level", "", "filter by level (info, warning, error, critical)")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this, e.g. 1h")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries returned")
	return cmd
}

func newAuditExportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the in-memory audit window as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(permission.Policy{})
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return a.Audit.Export(w)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "write to this file instead of stdout")
	return cmd
}

func printEntry(cmd *cobra.Command, e audit.Entry) {
	mark := successMark("·")
	switch e.Level {
	case audit.LevelWarning:
		mark = warnMark("!")
	case audit.LevelError, audit.LevelCritical:
		mark = failureMark("✗")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %-10s %-18s device=%s ok=%t\n",
		mark, e.Timestamp.Format(time.RFC3339), e.Category, e.Action, e.DeviceID, e.Success)
}
