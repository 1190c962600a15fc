package output

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/mcp-scooter/dbshell/internal/audit"
	"github.com/mcp-scooter/dbshell/internal/cli/errors"
	"github.com/mcp-scooter/dbshell/internal/mcp"
)

type OutputFormat string

const (
	FormatText     OutputFormat = "text"
	FormatJSON     OutputFormat = "json"
	FormatRaw      OutputFormat = "raw"
	FormatMarkdown OutputFormat = "markdown"
)

type Formatter struct {
	format      OutputFormat
	color       bool
	showDetails bool
}

func NewFormatter(format OutputFormat, useColor, showDetails bool) *Formatter {
	return &Formatter{format: format, color: useColor, showDetails: showDetails}
}

func (f *Formatter) FormatResult(result *CallResult) string {
	if f.format == FormatJSON {
		s, _ := result.JSON()
		return s
	}
	if f.format == FormatMarkdown {
		return result.Markdown()
	}
	if f.format == FormatRaw {
		return result.Text("")
	}

	if result.IsError() {
		return f.red("tool error: ") + result.Text("\n")
	}
	return result.Text("\n")
}

// FormatError renders a single-line kind+message, per spec.md §6.2, with
// an optional details block gated on --show-details/DBSHELL_SHOW_DETAILS.
func (f *Formatter) FormatError(err errors.ClassifiedError) string {
	if f.format == FormatJSON {
		data, _ := json.MarshalIndent(err, "", "  ")
		return string(data)
	}

	msg := fmt.Sprintf("Error [%s]: %s", err.Kind, err.Message)
	if f.color {
		msg = f.red(fmt.Sprintf("Error [%s]: ", err.Kind)) + err.Message
	}
	if err.Hint != "" {
		msg += "\nHint: " + err.Hint
	}
	if f.showDetails && err.Raw != nil {
		msg += fmt.Sprintf("\n--- details ---\n%+v", err.Raw)
	}
	return msg
}

func (f *Formatter) red(s string) string {
	if !f.color {
		return s
	}
	return color.RedString("%s", s)
}

func (f *Formatter) FormatTools(tools []mcp.ToolInfo) string {
	if f.format == FormatJSON {
		data, _ := json.MarshalIndent(tools, "", "  ")
		return string(data)
	}

	table := tablewriter.NewTable(os.Stdout, tablewriter.WithHeader([]string{"Name", "Description"}))
	for _, t := range tools {
		table.Append([]string{t.Name, t.Description})
	}
	table.Render()
	return ""
}

func (f *Formatter) FormatAuditRecords(records []audit.Record) string {
	if f.format == FormatJSON {
		data, _ := json.MarshalIndent(records, "", "  ")
		return string(data)
	}

	table := tablewriter.NewTable(os.Stdout, tablewriter.WithHeader([]string{"Seq", "Actor", "Action", "Resource", "Outcome"}))
	for _, r := range records {
		table.Append([]string{fmt.Sprint(r.Seq), r.Actor, r.Action, r.Resource, r.Outcome})
	}
	table.Render()
	return ""
}
