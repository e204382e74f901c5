package health

import (
	"context"
	"fmt"

	"opsagent/internal/skill"
)

func (c *Checker) Skills() []skill.Skill {
	return []skill.Skill{
		{
			Name:        "SYSTEM_HEALTH",
			Description: "Check CPU, RAM, disk and uptime of every configured server (local and SSH). report_all=false shows only servers over the alert thresholds.",
			Params:      []skill.Param{skill.Optional("report_all", true)},
			Run: func(ctx context.Context, a skill.Args) (string, error) {
				results := c.CheckAll(ctx)
				if a.Bool("report_all") {
					return Report(results), nil
				}
				if text, ok := Alerts(results, c.limits); ok {
					return text, nil
				}
				return "✅ All servers are within thresholds.", nil
			},
		},
		{
			Name:        "SYSTEM_STATUS",
			Description: "Check the health of this machine only.",
			Run: func(ctx context.Context, _ skill.Args) (string, error) {
				s, err := c.Local(ctx)
				if err != nil {
					return "", fmt.Errorf("local status: %w", err)
				}
				return "*🖥️ Local Status:*\n" + Status(localName, s, c.limits), nil
			},
		},
	}
}
