package erp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsagent/internal/skill"
	"opsagent/internal/task/engine"
)

func (c *Client) Skills() []skill.Skill {
	return []skill.Skill{
		{
			Name:        "ERP_TASKS",
			Description: "Fetch pending project tasks from the ERP.",
			Run: func(ctx context.Context, _ skill.Args) (string, error) {
				tasks, err := c.PendingTasks(ctx)
				if err != nil {
					return userError(err, "fetching tasks")
				}
				return FormatTasks(tasks), nil
			},
		},
		{
			Name:        "ERP_INVOICES",
			Description: "Fetch due invoices from the ERP.",
			Run: func(ctx context.Context, _ skill.Args) (string, error) {
				inv, err := c.DueInvoices(ctx)
				if err != nil {
					return userError(err, "fetching invoices")
				}
				return FormatDueInvoices(inv), nil
			},
		},
		{
			Name:        "ERP_INVOICE_SUMMARY",
			Description: "Get totals of pending and invoiced amounts from the ERP.",
			Run: func(ctx context.Context, _ skill.Args) (string, error) {
				s, err := c.InvoiceSummary(ctx)
				if err != nil {
					return userError(err, "fetching summary")
				}
				return fmt.Sprintf("📊 *Invoice Summary*\nPending Invoices: %s\nTotal Pending Amount: %s\nTotal Invoiced Amount: %s",
					s.PendingCount.Or("0"), s.PendingAmount.Or("0.00"), s.InvoicedAmount.Or("0.00")), nil
			},
		},
		{
			Name:        "ERP_SEARCH_INVOICES",
			Description: "Search ERP invoices by customer_name and/or customer_id.",
			Params:      []skill.Param{skill.Required("customer_name"), skill.Required("customer_id")},
			Run: func(ctx context.Context, a skill.Args) (string, error) {
				name, id := strings.TrimSpace(a.String("customer_name")), strings.TrimSpace(a.String("customer_id"))
				var (
					inv []Invoice
					err error
				)
				if id != "" && name == "" {
					inv, err = c.CustomerInvoices(ctx, id)
				} else {
					inv, err = c.SearchInvoices(ctx, name, id)
				}
				if err != nil {
					return userError(err, "searching invoices")
				}
				return FormatFoundInvoices(inv), nil
			},
		},
	}
}

// userError turns the API's expected failures into reply text; transport
// errors stay errors.
func userError(err error, what string) (string, error) {
	var (
		apiErr *APIError
		stErr  *StatusError
		ra     engine.RetryAfterError
	)
	switch {
	case errors.As(err, &ra) && ra.RetryAfter() > 0:
		return fmt.Sprintf("⚠️ ERP is rate limiting requests; try again in %s.", ra.RetryAfter().Round(time.Second)), nil
	case errors.Is(err, ErrNotConfigured):
		return "⚠️ ERP URL not configured.", nil
	case errors.Is(err, ErrUnauthorized):
		return "⚠️ Unauthorized: Invalid API Key.", nil
	case errors.As(err, &apiErr):
		return "⚠️ API Error: " + apiErr.Message, nil
	case errors.As(err, &stErr):
		return fmt.Sprintf("⚠️ Error %s: HTTP %d", what, stErr.Code), nil
	}
	return "", err
}

func FormatTasks(tasks []Task) string {
	if len(tasks) == 0 {
		return "✅ No pending tasks found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 *Pending Tasks (%d):*\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "- *%s* (Priority: %s)\n", t.Title, t.Priority.Or("-"))
		for _, st := range t.SubTasks {
			fmt.Fprintf(&b, "  - %s (%s)\n", st.Title, st.Status)
		}
	}
	return b.String()
}

func FormatDueInvoices(inv []Invoice) string {
	if len(inv) == 0 {
		return "✅ No due invoices."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "💰 *Due Invoices (%d):*\n", len(inv))
	for _, i := range inv {
		fmt.Fprintf(&b, "- *%s*: %s - Due: %s (Date: %s)\n",
			orDefault(i.InvoiceNo, "N/A"), orDefault(i.CustomerName, "Unknown"), i.DueAmount.Or("0.00"), orDefault(i.Date, "N/A"))
	}
	return b.String()
}

func FormatFoundInvoices(inv []Invoice) string {
	if len(inv) == 0 {
		return "✅ No invoices found matching your criteria."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔎 *Found Invoices (%d):*\n", len(inv))
	for _, i := range inv {
		icon := "⏳"
		if strings.EqualFold(i.Status, "paid") {
			icon = "✅"
		}
		fmt.Fprintf(&b, "- %s *%s*: %s - %s (%s)\n", icon, i.InvoiceNo, i.CustomerName, i.GrandTotal.Or("0.00"), i.Status)
	}
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
