package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsagent/internal/skill"
	"opsagent/internal/storage"
	"opsagent/internal/timeparse"
	logx "opsagent/pkg/logx"
)

type Service struct {
	db       *storage.DB
	skills   *skill.Registry
	out      Deliverer
	health   Health
	resolver *timeparse.Resolver
	loc      *time.Location
	cfg      Config
	log      logx.Logger

	now func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHealth enables BRIEFING system status and SYSTEM_HEALTH reports.
func WithHealth(h Health) Option {
	return func(s *Service) { s.health = h }
}

func New(db *storage.DB, skills *skill.Registry, out Deliverer, cfg Config, loc *time.Location, log logx.Logger, opts ...Option) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		db:       db,
		skills:   skills,
		out:      out,
		resolver: timeparse.New(loc),
		loc:      loc,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "workflow")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule validates and stores a workflow. An empty time means now; an
// unparseable time falls back to now+interval for recurring workflows and
// is an error otherwise.
func (s *Service) Schedule(ctx context.Context, typ string, params json.RawMessage, timeText string, intervalSeconds int64) (storage.Workflow, error) {
	norm, ok := NormalizeType(typ)
	if !ok {
		return storage.Workflow{}, &UnknownWorkflowTypeError{Type: strings.TrimSpace(typ)}
	}
	if intervalSeconds < 0 {
		return storage.Workflow{}, fmt.Errorf("interval_seconds must be >= 0, got %d", intervalSeconds)
	}
	params, err := ValidateParams(norm, bytes.TrimSpace(params))
	if err != nil {
		return storage.Workflow{}, err
	}

	now := s.now()
	next := now.UTC()
	if strings.TrimSpace(timeText) != "" {
		next, err = s.resolver.Resolve(timeText, now)
		if err != nil {
			if intervalSeconds <= 0 {
				return storage.Workflow{}, err
			}
			next = now.Add(time.Duration(intervalSeconds) * time.Second).UTC()
		}
	}

	w, err := s.db.InsertWorkflow(ctx, storage.Workflow{
		Type:            norm,
		Params:          params,
		IntervalSeconds: intervalSeconds,
		NextRun:         next,
	})
	if err != nil {
		return storage.Workflow{}, err
	}
	s.log.Info("workflow scheduled", logx.Int64("id", w.ID), logx.String("type", w.Type), logx.Time("next", w.NextRun), logx.Int64("interval", w.IntervalSeconds))
	return w, nil
}

// EnsureScheduled schedules typ only when no workflow of that type exists.
func (s *Service) EnsureScheduled(ctx context.Context, typ string, params json.RawMessage, timeText string, intervalSeconds int64) (bool, error) {
	norm, ok := NormalizeType(typ)
	if !ok {
		return false, &UnknownWorkflowTypeError{Type: typ}
	}
	n, err := s.db.CountWorkflowsByType(ctx, norm)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if _, err := s.Schedule(ctx, norm, params, timeText, intervalSeconds); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) List(ctx context.Context) ([]storage.Workflow, error) {
	return s.db.ListWorkflows(ctx)
}

// CancelID deletes one workflow. A missing id is reported as false.
func (s *Service) CancelID(ctx context.Context, id int64) (bool, error) {
	err := s.db.DeleteWorkflow(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.log.Info("workflow cancelled", logx.Int64("id", id))
	return true, nil
}

// CancelType deletes every workflow of typ and returns their ids. "ALL"
// deletes every workflow.
func (s *Service) CancelType(ctx context.Context, typ string) ([]int64, error) {
	norm := strings.ToUpper(strings.TrimSpace(typ))
	if a, ok := aliases[norm]; ok {
		norm = a
	}
	list, err := s.db.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, w := range list {
		if norm == typeAll || strings.EqualFold(w.Type, norm) {
			ids = append(ids, w.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var n int64
	if norm == typeAll {
		n, err = s.db.DeleteAllWorkflows(ctx)
	} else {
		n, err = s.db.DeleteWorkflowsByType(ctx, norm)
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("workflows cancelled", logx.String("type", norm), logx.Int64("count", n))
	return ids, nil
}

// Commit records that w fired at firedAt: recurring workflows move to
// firedAt+interval, one-shot workflows are deleted.
func (s *Service) Commit(ctx context.Context, w storage.Workflow, firedAt time.Time) error {
	if w.Recurring() {
		next := firedAt.Add(time.Duration(w.IntervalSeconds) * time.Second)
		if err := s.db.RescheduleWorkflow(ctx, w.ID, next); err != nil {
			return fmt.Errorf("reschedule workflow %d: %w", w.ID, err)
		}
		s.log.Info("workflow rescheduled", logx.Int64("id", w.ID), logx.String("type", w.Type), logx.Time("next", next.UTC()))
		return nil
	}
	if err := s.db.DeleteWorkflow(ctx, w.ID); err != nil {
		return fmt.Errorf("delete workflow %d: %w", w.ID, err)
	}
	s.log.Info("one-shot workflow completed", logx.Int64("id", w.ID), logx.String("type", w.Type))
	return nil
}

func (s *Service) localTime(t time.Time) string {
	if t.IsZero() {
		return "?"
	}
	return t.In(s.loc).Format("2006-01-02 15:04:05")
}
