package reminder

import (
	"context"

	"opsagent/internal/skill"
)

// Skills exposes the reminder operations to the registry.
func (s *Service) Skills() []skill.Skill {
	return []skill.Skill{
		{
			Name:        "ADD_REMINDER",
			Description: "Set a reminder for the user. time is natural language (e.g. \"in 10 minutes\", \"tomorrow at 9am\"); interval_seconds > 0 repeats it.",
			Params: []skill.Param{
				skill.Required("content"),
				skill.Required("time"),
				skill.Optional("interval_seconds", 0),
				skill.Required(skill.ParamRecipient),
			},
			Run: func(ctx context.Context, a skill.Args) (string, error) {
				interval, err := a.Int64("interval_seconds")
				if err != nil {
					return "", err
				}
				return s.AddReminder(ctx, a.String(skill.ParamRecipient), a.String("content"), a.String("time"), interval)
			},
		},
		{
			Name:        "CANCEL_REMINDER",
			Description: "Cancel reminders. target is 'all', a reminder id, or text contained in the reminder.",
			Params: []skill.Param{
				skill.Required("target"),
				skill.Required(skill.ParamRecipient),
			},
			Run: func(ctx context.Context, a skill.Args) (string, error) {
				return s.CancelReminders(ctx, a.String(skill.ParamRecipient), a.String("target"))
			},
		},
		{
			Name:        "QUERY_SCHEDULE",
			Description: "List upcoming reminders. time_range is 'all', 'today' or 'tomorrow'.",
			Params: []skill.Param{
				skill.Optional("time_range", "all"),
				skill.Required(skill.ParamRecipient),
			},
			Run: func(ctx context.Context, a skill.Args) (string, error) {
				return s.QuerySchedule(ctx, a.String(skill.ParamRecipient), a.String("time_range"))
			},
		},
	}
}
