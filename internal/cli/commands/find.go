package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var findCmd = &cobra.Command{
	Use:   "find <query>",
	Short: "Search discovered tools by name or description substring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.ToLower(args[0])
		type match struct{ name, description string }
		var matches []match
		for _, t := range sess.pool.ListTools() {
			if strings.Contains(strings.ToLower(t.Name), query) || strings.Contains(strings.ToLower(t.Description), query) {
				matches = append(matches, match{t.Name, t.Description})
			}
		}
		if len(matches) == 0 {
			fmt.Println("no matching tools")
			return nil
		}
		for _, m := range matches {
			fmt.Printf("%-30s %s\n", m.name, m.description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(findCmd)
}
