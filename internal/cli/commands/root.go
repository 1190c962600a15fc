// Package commands implements the dbshell CLI surface from spec.md §6.2:
// cobra handles single-shot argument parsing, and a hand-rolled REPL loop
// feeds the same dispatch path line by line. Grounded on the teacher's
// cmd/scooter entry point and internal/cli/commands/root.go (persistent
// flags, command inference), adapted from "talk to a daemon over HTTP" to
// "dispatch directly against an in-process core".
package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/dbshell/internal/cli/errors"
	"github.com/mcp-scooter/dbshell/internal/cli/inference"
	"github.com/mcp-scooter/dbshell/internal/cli/output"
	"github.com/mcp-scooter/dbshell/internal/command"
	"github.com/mcp-scooter/dbshell/internal/queue"
)

var (
	cfgFile     string
	logLevel    string
	jsonOutput  bool
	rawOutput   bool
	showDetails bool
	timeoutMS   int
)

var rootCmd = &cobra.Command{
	Use:           "dbshell",
	Short:         "AI-assisted database administration shell",
	Long:          `dbshell presents a unified REPL and single-shot CLI for running heterogeneous database operations through a pool of agents speaking the Model Context Protocol.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a dbshell.toml config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&rawOutput, "raw", false, "raw output (no formatting)")
	rootCmd.PersistentFlags().BoolVar(&showDetails, "show-details", false, "show error detail/trace blocks")
	rootCmd.PersistentFlags().IntVar(&timeoutMS, "timeout", 30000, "request timeout in milliseconds")
}

func formatter() *output.Formatter {
	fmtMode := output.FormatText
	switch {
	case jsonOutput:
		fmtMode = output.FormatJSON
	case rawOutput:
		fmtMode = output.FormatRaw
	}
	return output.NewFormatter(fmtMode, !jsonOutput, showDetails || sess.env.ShowDetails)
}

// dispatch parses and runs one logical input line through the command
// processor and async queue — the single path both single-shot mode and
// the REPL use, so a tool call issued interactively gets exactly the
// priority/timeout/cancellation semantics spec.md §4.I describes.
func dispatch(ctx context.Context, line string) (command.Result, error) {
	parsed := command.Parse(line)
	if parsed.Command == "" {
		return command.Result{}, nil
	}

	timeout := time.Duration(timeoutMS) * time.Millisecond
	task := queue.Task{
		Command:  parsed,
		Priority: queue.PriorityNormal,
		Timeout:  timeout,
		Run: func(qctx context.Context, cmd command.Parsed) (command.Result, error) {
			runCtx, stop := context.WithCancel(qctx)
			defer stop()
			unwatch := context.AfterFunc(ctx, stop)
			defer unwatch()
			return sess.proc.Execute(runCtx, cmd, command.ExecContext{Timeout: timeout})
		},
	}

	ticket, err := sess.queue.Enqueue(task)
	if err != nil {
		return command.Result{}, err
	}
	outcome, err := sess.queue.Result(ticket)
	if err != nil {
		return command.Result{}, err
	}

	actor := os.Getenv("USER")
	outcomeStr := "ok"
	if outcome.Err != nil {
		outcomeStr = "error"
	}
	_, _ = sess.audit.Append(actor, parsed.Command, fmt.Sprint(parsed.Args), outcomeStr)

	return outcome.Result, outcome.Err
}

// Execute is the CLI's single entry point, called from cmd/dbshell/main.go.
// It bootstraps the session once, then runs either single-shot dispatch
// (exit code reflecting the command's outcome) or the interactive REPL.
func Execute() int {
	s, err := newSession()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start: %v\n", err)
		return 1
	}
	sess = s
	defer sess.shutdown()

	if len(os.Args) > 1 {
		return runSingleShot(os.Args[1:])
	}
	return runREPL()
}

func runSingleShot(args []string) int {
	if verb := inference.InferCommand(args); verb != "" {
		args = append([]string{verb}, args...)
	}
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		ce := errors.Classify(err)
		fmt.Fprintln(os.Stderr, formatter().FormatError(ce))
		return ce.ExitCode
	}
	return 0
}

// runREPL implements spec.md §6.2's signal contract: a single SIGINT
// cancels the in-flight command and returns to the prompt; a second
// SIGINT within 2s requests shutdown; SIGTERM drains with a deadline.
func runREPL() int {
	fmt.Println("dbshell — type a command, or 'exit' to quit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	reader := bufio.NewScanner(os.Stdin)
	reader.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lastInterrupt time.Time
	exitCode := 0

loop:
	for {
		fmt.Print("dbshell> ")
		lineCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if reader.Scan() {
				lineCh <- reader.Text()
				return
			}
			if err := reader.Err(); err != nil {
				errCh <- err
				return
			}
			errCh <- nil // EOF
		}()

		var line string
		select {
		case line = <-lineCh:
		case err := <-errCh:
			if err != nil {
				fmt.Fprintln(os.Stderr, formatter().FormatError(errors.Classify(err)))
			}
			break loop
		case sig := <-sigCh:
			if handleSignal(sig, &lastInterrupt) {
				exitCode = 130
				break loop
			}
			continue
		}

		if line == "exit" || line == "quit" {
			break
		}
		if line == "" {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		doneCh := make(chan struct{})
		go func() {
			defer close(doneCh)
			result, err := dispatch(ctx, line)
			if err != nil {
				fmt.Println(formatter().FormatError(errors.Classify(err)))
				return
			}
			if result.Stdout != "" {
				fmt.Println(result.Stdout)
			}
			if result.Stderr != "" {
				fmt.Fprintln(os.Stderr, result.Stderr)
			}
		}()

		select {
		case <-doneCh:
		case sig := <-sigCh:
			if handleSignal(sig, &lastInterrupt) {
				if sig == syscall.SIGTERM {
					select {
					case <-doneCh:
					case <-time.After(5 * time.Second):
					}
				}
				cancel()
				<-doneCh
				exitCode = 130
				break loop
			}
			cancel()
			<-doneCh
		}
		cancel()
	}

	return exitCode
}

// handleSignal returns true if the signal should terminate the REPL: a
// SIGTERM always does (graceful drain); a SIGINT only does on its second
// occurrence within 2 seconds.
func handleSignal(sig os.Signal, lastInterrupt *time.Time) bool {
	if sig == syscall.SIGTERM {
		fmt.Println("\nSIGTERM received, draining...")
		return true
	}
	now := time.Now()
	if !lastInterrupt.IsZero() && now.Sub(*lastInterrupt) < 2*time.Second {
		fmt.Println("\nShutting down.")
		return true
	}
	*lastInterrupt = now
	fmt.Println("\n(interrupted — press Ctrl-C again within 2s to exit)")
	return false
}
