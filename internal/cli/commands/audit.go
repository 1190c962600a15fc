package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/dbshell/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the tamper-evident audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the hash chain and report the first broken link, if any",
	RunE: func(cmd *cobra.Command, args []string) error {
		result := sess.audit.Verify()
		if result.OK {
			fmt.Println("chain intact")
			return nil
		}
		fmt.Printf("chain broken at seq %d\n", result.BrokenAt)
		return nil
	},
}

var auditExportFormat string

var auditExportCmd = &cobra.Command{
	Use:   "export <path>",
	Args:  cobra.ExactArgs(1),
	Short: "Export the audit log as JSON or CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		format := audit.FormatJSON
		if auditExportFormat == "csv" {
			format = audit.FormatCSV
		}
		return sess.audit.Export(f, format)
	},
}

var auditShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print recent audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := formatter().FormatAuditRecords(sess.audit.Records())
		if out != "" {
			fmt.Println(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "json", "export format: json or csv")
	auditCmd.AddCommand(auditVerifyCmd, auditExportCmd, auditShowCmd)
}
