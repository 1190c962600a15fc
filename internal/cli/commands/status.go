package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type statusReport struct {
	ToolCount     int `json:"tool_count"`
	QueueWaiting  int `json:"queue_waiting"`
	QueueRunning  int `json:"queue_running"`
	QueueDone     int `json:"queue_processed"`
	AuditRecords  int `json:"audit_records"`
	RouterCounts  map[string]int `json:"router_error_counts"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runtime status: connected tools, queue depth, error counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		counts := make(map[string]int)
		for k, v := range sess.router.Counts() {
			counts[string(k)] = v
		}

		report := statusReport{
			ToolCount:    len(sess.pool.ListTools()),
			QueueWaiting: sess.queue.Len(),
			QueueRunning: sess.queue.Running(),
			QueueDone:    int(sess.queue.Processed()),
			AuditRecords: len(sess.audit.Records()),
			RouterCounts: counts,
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("tools connected:  %d\n", report.ToolCount)
		fmt.Printf("queue waiting:    %d\n", report.QueueWaiting)
		fmt.Printf("queue running:    %d\n", report.QueueRunning)
		fmt.Printf("queue processed:  %d\n", report.QueueDone)
		fmt.Printf("audit records:    %d\n", report.AuditRecords)
		for kind, n := range report.RouterCounts {
			fmt.Printf("errors[%s]:      %d\n", kind, n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
