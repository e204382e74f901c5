// Package notes stores short free-text notes per recipient.
package notes

import (
	"context"
	"fmt"
	"strings"

	"opsagent/internal/skill"
	"opsagent/internal/storage"
	logx "opsagent/pkg/logx"
)

const defaultLimit = 10

type Service struct {
	db  *storage.DB
	log logx.Logger
}

func New(db *storage.DB, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{db: db, log: log.With(logx.String("comp", "notes"))}
}

func (s *Service) Add(ctx context.Context, recipient, content string) (string, error) {
	n, err := s.db.AddNote(ctx, recipient, content)
	if err != nil {
		return "", err
	}
	s.log.Debug("note saved", logx.Int64("id", n.ID), logx.String("recipient", recipient))
	return "✅ Note saved.", nil
}

// List renders the recipient's newest notes.
func (s *Service) List(ctx context.Context, recipient string, limit int) (string, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	list, err := s.db.RecentNotes(ctx, recipient, limit)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No notes found.", nil
	}
	var b strings.Builder
	b.WriteString("*📝 Recent Notes:*\n")
	for _, n := range list {
		fmt.Fprintf(&b, "- %s\n", n.Content)
	}
	return b.String(), nil
}

func (s *Service) Skills() []skill.Skill {
	return []skill.Skill{
		{
			Name:        "ADD_NOTE",
			Description: "Save a short note.",
			Params:      []skill.Param{skill.Required("content"), skill.Required(skill.ParamRecipient)},
			Run: func(ctx context.Context, a skill.Args) (string, error) {
				return s.Add(ctx, a.String(skill.ParamRecipient), a.String("content"))
			},
		},
		{
			Name:        "LIST_NOTES",
			Description: "List the most recent notes.",
			Params:      []skill.Param{skill.Optional("limit", defaultLimit), skill.Required(skill.ParamRecipient)},
			Run: func(ctx context.Context, a skill.Args) (string, error) {
				limit, err := a.Int64("limit")
				if err != nil {
					return "", err
				}
				return s.List(ctx, a.String(skill.ParamRecipient), int(limit))
			},
		},
	}
}
