package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/dbshell/internal/mcp"
)

var connectCmd = &cobra.Command{
	Use:   "connect <name> <command> [args...]",
	Short: "Connect to an MCP server as a subprocess",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mcp.ServerConfig{
			Name:          args[0],
			Command:       args[1],
			Args:          args[2:],
			AutoReconnect: true,
			Reconnect:     mcp.DefaultReconnectPolicy(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()

		if err := sess.pool.Add(ctx, cfg); err != nil {
			return err
		}
		fmt.Printf("connected %s\n", cfg.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)
}
