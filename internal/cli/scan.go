package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncweave/securecore/internal/permission"
	"github.com/syncweave/securecore/internal/scanner"
)

func newScanCmd() *cobra.Command {
	var asURL bool
	cmd := &cobra.Command{
		Use:   "scan <path-or-url>",
		Short: "Scan a file or URL for known threats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(permission.Policy{})
			if err != nil {
				return err
			}
			defer a.Close()

			var rep scanner.Report
			if asURL {
				rep = a.Scanner.ScanURL(args[0])
			} else {
				rep = a.Scanner.ScanFile(args[0])
			}

			out := cmd.OutOrStdout()
			switch {
			case rep.Err != "":
				fmt.Fprintln(out, warnMark("!"), rep.Summary())
			case rep.Level == scanner.ThreatNone:
				fmt.Fprintln(out, successMark("✓"), rep.Summary())
			default:
				fmt.Fprintln(out, failureMark("✗"), rep.Summary())
			}
			for _, m := range rep.Matches {
				fmt.Fprintf(out, "  [%s/%s] %s\n", m.Category, m.Severity, m.Name)
			}
			for _, r := range rep.Recommendations {
				fmt.Fprintln(out, "  -", r)
			}
			if rep.Level >= scanner.ThreatHigh {
				return fmt.Errorf("threat level %s", rep.Level)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asURL, "url", false, "treat the argument as a URL instead of a file path")
	return cmd
}
