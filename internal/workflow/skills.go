package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"opsagent/internal/skill"
)

// Skills exposes workflow management and NOTIFY_USER to the registry.
func (s *Service) Skills() []skill.Skill {
	return []skill.Skill{
		{
			Name: "SCHEDULE_WORKFLOW",
			Description: "Schedule a system workflow. type is one of: " + strings.Join(Types(), "; ") +
				". params is a JSON object, time is when to start (default now), interval_seconds > 0 repeats it.",
			Params: []skill.Param{
				skill.Required("type"),
				skill.Optional("params", "{}"),
				skill.Optional("time", "now"),
				skill.Optional("interval_seconds", 0),
			},
			Run: s.scheduleSkill,
		},
		{
			Name:        "LIST_WORKFLOWS",
			Description: "List active scheduled workflows.",
			Run: func(ctx context.Context, _ skill.Args) (string, error) {
				return s.ListText(ctx)
			},
		},
		{
			Name:        "CANCEL_WORKFLOW",
			Description: "Cancel scheduled workflows by workflow_id, or by workflow_type (ALL cancels every workflow).",
			Params: []skill.Param{
				skill.Required("workflow_id"),
				skill.Required("workflow_type"),
			},
			Run: s.cancelSkill,
		},
		{
			Name:        "NOTIFY_USER",
			Description: "Send the output of another skill to a specific user. target_user is a name or chat id, skill_params is an optional object.",
			Params: []skill.Param{
				skill.Required("target_user"),
				skill.Required("skill_name"),
				skill.Optional("skill_params", map[string]any{}),
			},
			Run: s.notifySkill,
		},
	}
}

func (s *Service) scheduleSkill(ctx context.Context, a skill.Args) (string, error) {
	interval, err := a.Int64("interval_seconds")
	if err != nil {
		return "", err
	}
	params, err := a.Raw("params")
	if err != nil {
		return "⚠️ Error: params must be a valid JSON object.", nil
	}
	w, err := s.Schedule(ctx, a.String("type"), params, a.String("time"), interval)
	if err != nil {
		var pe *ParamsError
		if errors.As(err, &pe) {
			return "⚠️ " + pe.Error(), nil
		}
		return "", err
	}
	msg := fmt.Sprintf("✅ Scheduled *%s* starting at %s", w.Type, s.localTime(w.NextRun))
	if w.Recurring() {
		msg += fmt.Sprintf(" (Runs every %ds)", w.IntervalSeconds)
	}
	return msg, nil
}

// ListText renders the active workflows.
func (s *Service) ListText(ctx context.Context) (string, error) {
	list, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "📭 No active system workflows.", nil
	}
	var b strings.Builder
	b.WriteString("*⚙️ Active Workflows:*\n")
	for _, w := range list {
		fmt.Fprintf(&b, "- *%d* [%s]: Next run %s (Interval: %ds)\n", w.ID, w.Type, s.localTime(w.NextRun), w.IntervalSeconds)
		if p := strings.TrimSpace(string(w.Params)); p != "" && p != "{}" {
			fmt.Fprintf(&b, "  Params: %s\n", p)
		}
	}
	return b.String(), nil
}

func (s *Service) cancelSkill(ctx context.Context, a skill.Args) (string, error) {
	if a.String("workflow_id") != "" {
		id, err := a.Int64("workflow_id")
		if err != nil {
			return "", err
		}
		ok, err := s.CancelID(ctx, id)
		if err != nil {
			return "", err
		}
		if !ok {
			return fmt.Sprintf("⚠️ No workflow found with ID %d.", id), nil
		}
		return fmt.Sprintf("✅ Workflow %d cancelled.", id), nil
	}

	typ := strings.TrimSpace(a.String("workflow_type"))
	if typ == "" {
		return "⚠️ Please provide either workflow_id or workflow_type.", nil
	}
	ids, err := s.CancelType(ctx, typ)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(typ, typeAll) {
		if len(ids) == 0 {
			return "⚠️ No active workflows to cancel.", nil
		}
		return fmt.Sprintf("✅ Cancelled ALL %d active workflows.", len(ids)), nil
	}
	if len(ids) == 0 {
		return fmt.Sprintf("⚠️ No workflows found of type '%s'.", typ), nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("✅ Cancelled %d workflows of type '%s' (IDs: %s).", len(ids), typ, strings.Join(strs, ", ")), nil
}

func (s *Service) notifySkill(ctx context.Context, a skill.Args) (string, error) {
	target := a.String("target_user")
	name := strings.ToUpper(strings.TrimSpace(a.String("skill_name")))
	raw, err := a.Raw("skill_params")
	if err != nil {
		return "", err
	}
	bag, err := paramBag(raw)
	if err != nil {
		return "", err
	}
	_, err = s.Notify(ctx, target, name, bag)
	switch {
	case errors.Is(err, ErrUnknownUser):
		return fmt.Sprintf("⚠️ User '%s' not found in configuration.", target), nil
	case errors.Is(err, ErrEmptyOutput):
		return fmt.Sprintf("⚠️ %s returned no output.", name), nil
	case err != nil:
		return "", err
	}
	return fmt.Sprintf("✅ Sent output of *%s* to *%s*.", name, target), nil
}
