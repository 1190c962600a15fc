// Package inference implements the CLI's command-inference convenience
// from the teacher's internal/cli/inference: letting a bare
// "server:tool" invocation skip the explicit "call" verb.
package inference

import "strings"

// InferCommand reports the verb to prepend to args, or "" if args already
// names a known verb explicitly.
func InferCommand(args []string) string {
	if len(args) == 0 {
		return ""
	}
	first := args[0]
	if strings.HasPrefix(first, "-") {
		return ""
	}
	if strings.Contains(first, ":") {
		return "call"
	}
	return ""
}
