package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsagent/internal/skill"
	"opsagent/internal/storage"
	logx "opsagent/pkg/logx"
)

// Execute runs the body of w. It neither reschedules nor deletes w; see Commit.
func (s *Service) Execute(ctx context.Context, w storage.Workflow) error {
	typ, ok := NormalizeType(w.Type)
	if !ok {
		return &UnknownWorkflowTypeError{Type: w.Type}
	}
	s.log.Info("running workflow", logx.Int64("id", w.ID), logx.String("type", typ))

	switch typ {
	case TypeBriefing:
		return s.runBriefing(ctx)
	case TypeSystemHealth:
		return s.runSystemHealth(ctx)
	case TypeERPTasks:
		return s.runReport(ctx, "ERP_TASKS", "")
	case TypeERPInvoices:
		return s.runReport(ctx, "ERP_INVOICES", invoiceReportTitle)
	case TypeNotifyUser:
		var p notifyParams
		if err := decodeParams(w.Params, &p); err != nil {
			return err
		}
		bag, err := paramBag(p.SkillParams)
		if err != nil {
			return err
		}
		_, err = s.Notify(ctx, p.TargetUser, p.SkillName, bag)
		return err
	case TypeComposite:
		var p compositeParams
		if err := decodeParams(w.Params, &p); err != nil {
			return err
		}
		return s.runComposite(ctx, p)
	}
	return &UnknownWorkflowTypeError{Type: w.Type}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// paramBag decodes a skill parameter object. A JSON string holding an
// object is accepted too.
func paramBag(raw json.RawMessage) (map[string]any, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return paramBag(json.RawMessage(inner))
	}
	var bag map[string]any
	if err := json.Unmarshal(raw, &bag); err != nil {
		return nil, fmt.Errorf("%w: skill_params: %v", ErrInvalidParams, err)
	}
	return bag, nil
}

func (s *Service) defaultRecipient() (string, error) {
	if s.cfg.DefaultRecipient == "" {
		return "", ErrNoRecipient
	}
	return s.cfg.DefaultRecipient, nil
}

// Briefing renders today's agenda, recent notes and the local system status.
func (s *Service) Briefing(ctx context.Context, recipient string) (string, error) {
	now := s.now().In(s.loc)
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)

	agenda, err := s.db.PendingReminders(ctx, recipient, now, endOfDay)
	if err != nil {
		return "", fmt.Errorf("briefing agenda: %w", err)
	}
	notes, err := s.db.RecentNotes(ctx, "", 5)
	if err != nil {
		return "", fmt.Errorf("briefing notes: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🌅 *Morning Briefing* - %s\n\n", now.Format("02 Jan 2006"))
	if len(agenda) > 0 {
		b.WriteString("*📅 Today's Agenda:*\n")
		for _, r := range agenda {
			fmt.Fprintf(&b, "- %s at %s\n", r.Content, r.DueAt.In(s.loc).Format("15:04"))
		}
	} else {
		b.WriteString("📅 No reminders set for today.\n")
	}
	b.WriteString("\n")

	if len(notes) > 0 {
		b.WriteString("*📝 Recent Notes:*\n")
		for _, n := range notes {
			fmt.Fprintf(&b, "- %s\n", n.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("*🖥️ System Status:*\n")
	cpu, ram := "?", "?"
	if s.health != nil {
		c, r, err := s.health.LocalUsage(ctx)
		if err != nil {
			s.log.Warn("briefing health snapshot failed", logx.Err(err))
		} else {
			cpu, ram = fmt.Sprintf("%.1f", c), fmt.Sprintf("%.1f", r)
		}
	}
	fmt.Fprintf(&b, "CPU: %s%% | RAM: %s%%\n", cpu, ram)
	return b.String(), nil
}

func (s *Service) runBriefing(ctx context.Context) error {
	to, err := s.defaultRecipient()
	if err != nil {
		return err
	}
	text, err := s.Briefing(ctx, to)
	if err != nil {
		return err
	}
	return s.out.Deliver(ctx, to, text)
}

func (s *Service) runSystemHealth(ctx context.Context) error {
	if s.health == nil {
		return errors.New("health checks are not configured")
	}
	to, err := s.defaultRecipient()
	if err != nil {
		return err
	}
	text, err := s.health.FullReport(ctx)
	if err != nil {
		return err
	}
	return s.out.Deliver(ctx, to, text)
}

// runReport relays one skill's output to the default recipient.
func (s *Service) runReport(ctx context.Context, skillName, title string) error {
	to, err := s.defaultRecipient()
	if err != nil {
		return err
	}
	out, err := s.skills.Dispatch(ctx, skillName, nil, skill.Context{Recipient: to})
	if err != nil {
		return err
	}
	return s.out.Deliver(ctx, to, title+out)
}

// Notify runs skillName for targetUser and sends the output to that user.
// It returns the resolved recipient.
func (s *Service) Notify(ctx context.Context, targetUser, skillName string, params map[string]any) (string, error) {
	to, err := ResolveUser(s.cfg.Users, targetUser)
	if err != nil {
		return "", err
	}
	out, err := s.skills.Dispatch(ctx, skillName, params, skill.Context{Recipient: to})
	if err != nil {
		return to, err
	}
	if strings.TrimSpace(out) == "" {
		return to, fmt.Errorf("%w: %s", ErrEmptyOutput, skillName)
	}
	s.log.Info("notifying user", logx.String("target", targetUser), logx.String("recipient", to), logx.String("skill", skillName))
	return to, s.out.Deliver(ctx, to, out)
}

// Composite runs every step in order and returns the consolidated message.
// A failing step is annotated and the remaining steps still run.
func (s *Service) Composite(ctx context.Context, recipient, title string, steps []Step) string {
	parts := make([]string, 0, len(steps)+1)
	if title != "" {
		parts = append(parts, "*"+title+"*")
	}
	for _, st := range steps {
		out, err := s.skills.Dispatch(ctx, st.Skill, st.Params, skill.Context{Recipient: recipient})
		if err != nil {
			s.log.Warn("composite step failed", logx.String("skill", st.Skill), logx.Err(err))
			parts = append(parts, fmt.Sprintf("❌ %s: %s", st.Skill, stepError(err)))
			continue
		}
		parts = append(parts, out)
	}
	return strings.Join(parts, "\n\n")
}

func (s *Service) runComposite(ctx context.Context, p compositeParams) error {
	to, err := s.defaultRecipient()
	if p.TargetUser != "" {
		to, err = ResolveUser(s.cfg.Users, p.TargetUser)
	}
	if err != nil {
		return err
	}
	return s.out.Deliver(ctx, to, s.Composite(ctx, to, p.Title, p.Steps))
}

// stepError strips the execution wrapper so the user sees the cause.
func stepError(err error) string {
	var ee *skill.ExecutionError
	if errors.As(err, &ee) && ee.Err != nil {
		return ee.Err.Error()
	}
	return err.Error()
}
