package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/dbshell/internal/cli/output"
)

var callCmd = &cobra.Command{
	Use:   "call <server:tool> [key=value...]",
	Short: "Call an MCP tool through the async command queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		line := "call " + strings.Join(args, " ")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()

		result, err := dispatch(ctx, line)
		if err != nil {
			return err
		}
		fmt.Println(formatter().FormatResult(output.NewCallResult([]byte(result.Stdout))))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
}
