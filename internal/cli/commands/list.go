package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every tool discovered across connected servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		tools := sess.pool.ListTools()
		out := formatter().FormatTools(tools)
		if out != "" {
			fmt.Println(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
