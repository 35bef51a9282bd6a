package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"adgov/pkg/models"
)

func renderCentral(n models.Notification) (subject, text, htmlBody string) {
	subject = fmt.Sprintf("[%s] %s on account %s", n.Priority, n.Type, n.AccountID)
	text = fmt.Sprintf("%s\n\nAccount: %s\nUser:    %s\nTime:    %s\n",
		n.Message, n.AccountID, n.UserID, n.Timestamp.Format(time.RFC3339))
	htmlBody = fmt.Sprintf(
		"<p><strong>%s</strong></p><p>%s</p><table>"+
			"<tr><td>Account</td><td>%s</td></tr>"+
			"<tr><td>User</td><td>%s</td></tr>"+
			"<tr><td>Time</td><td>%s</td></tr></table>",
		html.EscapeString(n.Type), html.EscapeString(n.Message),
		html.EscapeString(n.AccountID), html.EscapeString(n.UserID),
		n.Timestamp.Format(time.RFC3339))
	return subject, text, htmlBody
}

func renderDigest(mgr AgencyManager, items []models.Notification, at time.Time) (subject, text, htmlBody string) {
	subject = fmt.Sprintf("Hourly governance digest: %d event(s) on your accounts", len(items))

	tb := &strings.Builder{}
	fmt.Fprintf(tb, "Governance digest for %s generated %s\n\n", mgr.Email, at.Format(time.RFC3339))
	hb := &strings.Builder{}
	fmt.Fprintf(hb, "<h3>Governance digest</h3><p>Generated %s</p>", at.Format(time.RFC3339))

	for _, priority := range []string{models.PriorityCritical, models.PriorityHigh, models.PriorityMedium, models.PriorityLow} {
		group := filterByPriority(items, priority)
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(tb, "%s (%d)\n", priority, len(group))
		fmt.Fprintf(hb, "<h4>%s (%d)</h4><ul>", priority, len(group))
		for _, n := range group {
			fmt.Fprintf(tb, "  %s  [%s] account %s: %s\n",
				n.Timestamp.Format("15:04:05"), n.Type, n.AccountID, n.Message)
			fmt.Fprintf(hb, "<li>%s [%s] account %s: %s</li>",
				n.Timestamp.Format("15:04:05"), html.EscapeString(n.Type),
				html.EscapeString(n.AccountID), html.EscapeString(n.Message))
		}
		hb.WriteString("</ul>")
	}
	return subject, tb.String(), hb.String()
}

func filterByPriority(items []models.Notification, priority string) []models.Notification {
	var out []models.Notification
	for _, n := range items {
		if n.Priority == priority {
			out = append(out, n)
		}
	}
	return out
}
