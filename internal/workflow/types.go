// Package workflow schedules and runs system automations: briefings, health
// reports, ERP reports, user notifications and composite skill chains.
//
// Workflows live in storage only. The poller picks up due rows, runs
// Execute on the task engine and then calls Commit, so a workflow body
// never runs on the poll path itself.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	TypeBriefing       = "BRIEFING"
	TypeSystemHealth   = "SYSTEM_HEALTH"
	TypeERPTasks       = "ERP_TASKS_REPORT"
	TypeERPInvoices    = "ERP_INVOICES_REPORT"
	TypeNotifyUser     = "NOTIFY_USER"
	TypeComposite      = "COMPOSITE"
	typeAll            = "ALL"
	invoiceReportTitle = "💰 *Scheduled Invoice Report:*\n"
)

var aliases = map[string]string{
	"ERP_TASKS":    TypeERPTasks,
	"ERP_INVOICES": TypeERPInvoices,
}

var (
	ErrUnknownWorkflowType = errors.New("unknown workflow type")
	ErrInvalidParams       = errors.New("invalid workflow params")
	ErrUnknownUser         = errors.New("user not found")
	ErrEmptyOutput         = errors.New("skill returned no output")
	ErrNoRecipient         = errors.New("no default recipient configured")
)

type UnknownWorkflowTypeError struct {
	Type string
}

func (e *UnknownWorkflowTypeError) Error() string { return "unknown workflow type: " + e.Type }
func (e *UnknownWorkflowTypeError) Unwrap() error { return ErrUnknownWorkflowType }

// ParamsError lists schema violations for a workflow's params.
type ParamsError struct {
	Type     string
	Problems []string
}

func (e *ParamsError) Error() string {
	return fmt.Sprintf("invalid params for %s: %s", e.Type, strings.Join(e.Problems, "; "))
}

func (e *ParamsError) Unwrap() error { return ErrInvalidParams }

// Deliverer sends text to a recipient.
type Deliverer interface {
	Deliver(ctx context.Context, recipient, text string) error
}

// Health supplies the health data used by BRIEFING and SYSTEM_HEALTH.
type Health interface {
	FullReport(ctx context.Context) (string, error)
	LocalUsage(ctx context.Context) (cpuPercent, ramPercent float64, err error)
}

// Config carries the recipients known to the workflow service.
type Config struct {
	// DefaultRecipient receives briefings, reports and composites without a target.
	DefaultRecipient string
	// Users maps friendly identifiers to recipients.
	Users map[string]string
}

// Step is one skill call of a COMPOSITE workflow.
type Step struct {
	Skill  string         `json:"skill"`
	Params map[string]any `json:"params,omitempty"`
}

type compositeParams struct {
	TargetUser string `json:"target_user,omitempty"`
	Title      string `json:"title,omitempty"`
	Steps      []Step `json:"steps"`
}

type notifyParams struct {
	TargetUser  string          `json:"target_user"`
	SkillName   string          `json:"skill_name"`
	SkillParams json.RawMessage `json:"skill_params,omitempty"`
}

// NormalizeType upper-cases typ and resolves aliases. ok is false for
// unknown types.
func NormalizeType(typ string) (string, bool) {
	t := strings.ToUpper(strings.TrimSpace(typ))
	if a, ok := aliases[t]; ok {
		t = a
	}
	_, ok := schemas[t]
	return t, ok
}

// Types lists the schedulable types with a short description each.
func Types() []string {
	return []string{
		TypeBriefing + " (daily briefing: agenda, notes, system status; goes to the owner)",
		TypeSystemHealth + " (CPU, RAM and disk report for every server; goes to the owner)",
		TypeERPTasks + " (pending ERP tasks; goes to the owner)",
		TypeERPInvoices + " (due ERP invoices; goes to the owner)",
		TypeNotifyUser + " (send a skill's output to a user; params: target_user, skill_name, skill_params)",
		TypeComposite + " (run several skills and send one message; params: steps [{skill, params}], target_user, title)",
	}
}
