package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/dbshell/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and mutate the versioned key/value state store",
}

var stateGetCmd = &cobra.Command{
	Use:   "get <key>",
	Args:  cobra.ExactArgs(1),
	Short: "Print the current value stored under key",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, ok := sess.state.Get(args[0])
		if !ok {
			fmt.Println("(not set)")
			return nil
		}
		data, _ := json.Marshal(v)
		fmt.Println(string(data))
		return nil
	},
}

var stateSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Args:  cobra.ExactArgs(2),
	Short: "Store value under key",
	RunE: func(cmd *cobra.Command, args []string) error {
		entry := sess.state.Set(args[0], args[1], state.SetOptions{})
		fmt.Printf("ok (version %d)\n", entry.Version)
		return nil
	},
}

var stateKeysCmd = &cobra.Command{
	Use:   "keys [prefix]",
	Short: "List keys, optionally filtered by prefix",
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		for _, k := range sess.state.KeysByPrefix(prefix) {
			fmt.Println(k)
		}
		return nil
	},
}

var stateSnapshotCmd = &cobra.Command{
	Use:   "snapshot <description>",
	Args:  cobra.ExactArgs(1),
	Short: "Take a named snapshot of the current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		id := sess.state.Snapshot(args[0])
		fmt.Println(id)
		return nil
	},
}

var stateRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Args:  cobra.ExactArgs(1),
	Short: "Restore state to a prior snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sess.state.Restore(args[0]); err != nil {
			return err
		}
		fmt.Println("restored")
		return nil
	},
}

var stateDiffCmd = &cobra.Command{
	Use:   "diff <snapshot-a> <snapshot-b>",
	Args:  cobra.ExactArgs(2),
	Short: "Show keys added, removed, or modified between two snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		diff, err := sess.state.Diff(args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(diff, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for _, k := range diff.Added {
			fmt.Printf("+ %s\n", k)
		}
		for _, k := range diff.Removed {
			fmt.Printf("- %s\n", k)
		}
		for _, m := range diff.Modified {
			fmt.Printf("~ %s (v%d -> v%d)\n", m.Key, m.BeforeVer, m.AfterVer)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateGetCmd, stateSetCmd, stateKeysCmd, stateSnapshotCmd, stateRestoreCmd, stateDiffCmd)
}
