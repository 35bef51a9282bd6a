package changefeed

import (
	"fmt"
	"strings"
	"time"

	"adgov/pkg/models"
)

// FormatChangeHistoryReport renders a query result for human review.
func FormatChangeHistoryReport(result models.ChangeHistoryResult) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "Change history %s - %s (%d events)\n",
		result.StartDate.Format(time.RFC3339), result.EndDate.Format(time.RFC3339), result.TotalEvents)
	if result.TotalEvents == 0 {
		b.WriteString("  no changes recorded in this window\n")
		return b.String()
	}
	for _, evt := range result.Events {
		fmt.Fprintf(b, "  %s  %-8s %s/%s by %s",
			evt.ChangeDateTime.Format("2006-01-02 15:04:05"),
			evt.ChangeOperation,
			evt.ChangeResourceType,
			evt.ChangeResourceName,
			evt.UserEmail)
		if evt.OldValue != "" || evt.NewValue != "" {
			fmt.Fprintf(b, "  (%s -> %s)", valueOrDash(evt.OldValue), valueOrDash(evt.NewValue))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func valueOrDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
