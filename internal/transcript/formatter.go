package transcript

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/iambrandonn/runjoin/internal/ledger"
	"github.com/iambrandonn/runjoin/internal/protocol"
)

// Formatter formats journal records and worker summaries for console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatRecord formats one journaled channel call for console display
func (f *Formatter) FormatRecord(rec *protocol.Record) string {
	var details string

	switch rec.Kind {
	case protocol.RecordKindStartRun:
		if rec.StartRun != nil {
			details = fmt.Sprintf("%s (%s)", rec.RunID, rec.StartRun.Name)
		}

	case protocol.RecordKindFinishRun:
		if rec.FinishRun != nil && rec.FinishRun.Status != "" {
			details = fmt.Sprintf("status: %s", rec.FinishRun.Status)
		}

	case protocol.RecordKindStartItem:
		if rec.StartItem != nil {
			details = fmt.Sprintf("%s %s", rec.StartItem.Type, rec.StartItem.Name)
			if rec.ParentID != "" {
				details += fmt.Sprintf(", parent: %s", rec.ParentID)
			}
		}

	case protocol.RecordKindFinishItem:
		if rec.FinishItem != nil {
			details = fmt.Sprintf("%s: %s", rec.ItemID, rec.FinishItem.Status)
		}

	case protocol.RecordKindLog:
		if rec.Log != nil {
			details = f.formatLog(rec.Log)
		}
	}

	if details != "" {
		return fmt.Sprintf("[%s] %s: %s", rec.Instance, rec.Kind, details)
	}

	return fmt.Sprintf("[%s] %s", rec.Instance, rec.Kind)
}

// FormatSummary formats a worker summary line for console display
func (f *Formatter) FormatSummary(sum *protocol.Summary) string {
	line := fmt.Sprintf("[%s] candidate %s", sum.Role, sum.Candidate)
	if sum.RunID != "" {
		line += fmt.Sprintf(", run %s", sum.RunID)
	} else {
		line += ", no run"
	}
	if sum.Error != "" {
		line += fmt.Sprintf(", error: %s", sum.Error)
	}
	return line
}

// FormatRun writes a multi-line report of a merged run
func (f *Formatter) FormatRun(w io.Writer, s *ledger.RunSummary) {
	fmt.Fprintf(w, "Run:        %s (%s)\n", s.Run.UUID, s.Run.Name)
	fmt.Fprintf(w, "Status:     %s\n", s.Run.Status)
	fmt.Fprintf(w, "Owner:      %s\n", s.Run.Owner)
	fmt.Fprintf(w, "Instances:  %d\n", len(s.Instances))
	fmt.Fprintf(w, "Creates:    %d\n", s.Creates)
	fmt.Fprintf(w, "Finalizes:  %d\n", s.Finalizes)
	fmt.Fprintf(w, "Items:      %d\n", s.Items)
	fmt.Fprintf(w, "Logs:       %d\n", s.Logs)

	if len(s.Outcomes) > 0 {
		statuses := make([]string, 0, len(s.Outcomes))
		for st := range s.Outcomes {
			statuses = append(statuses, string(st))
		}
		sort.Strings(statuses)

		fmt.Fprintln(w, "Outcomes:")
		for _, st := range statuses {
			fmt.Fprintf(w, "  %-12s %d\n", st, s.Outcomes[protocol.ItemStatus(st)])
		}
	}

	for _, inst := range s.Instances {
		marker := ""
		if inst.Created {
			marker = " (created run)"
		}
		fmt.Fprintf(w, "  instance %s: %d items, %d pending, %d logs, %d attachments%s\n",
			inst.Instance, inst.Items, inst.Pending, inst.Logs, inst.Attachments, marker)
	}

	if len(s.Corrupt) > 0 {
		fmt.Fprintf(w, "Corrupt:    %s\n", strings.Join(s.Corrupt, ", "))
	}
}

func (f *Formatter) formatLog(log *protocol.SaveLogRequest) string {
	level := strings.ToUpper(string(log.Level))
	details := fmt.Sprintf("%s %s", level, log.Message)
	if log.File != nil {
		details += fmt.Sprintf(" [%s, %s]", log.File.Name, f.formatSize(log.File.Size))
	}
	return details
}

// formatSize formats a byte size in a human-readable format
func (f *Formatter) formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
