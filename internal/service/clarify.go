package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/clarification"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/policy"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/step"
)

// clarificationsFromPolicy parses the effective policy's clarifications
// section into protocol-scoped open clarifications. Entries without a
// key and a question are dropped.
func clarificationsFromPolicy(eff *policy.Effective, projectID, protocolRunID int64) []clarification.Clarification {
	if eff == nil {
		return nil
	}
	raw, ok := eff.Policy["clarifications"].([]any)
	if !ok {
		return nil
	}

	var out []clarification.Clarification
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		c := clarification.Clarification{
			Scope:         clarification.ScopeProtocol,
			ProjectID:     projectID,
			ProtocolRunID: &protocolRunID,
			Key:           asString(m["key"]),
			Question:      asString(m["question"]),
			Recommended:   asString(m["recommended"]),
			Blocking:      m["blocking"] == true,
			Status:        clarification.StatusOpen,
		}
		if opts, ok := m["options"].([]any); ok {
			for _, o := range opts {
				if s, ok := o.(string); ok {
					c.Options = append(c.Options, s)
				}
			}
		}
		if c.Key == "" || c.Question == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// seedClarifications creates the clarifications the effective policy
// declares for this run. The unique key constraint makes seeding
// idempotent across planning retries.
func (s *Service) seedClarifications(ctx context.Context, run *protocol.Run, proj *project.Project, eff *policy.Effective) {
	for _, c := range clarificationsFromPolicy(eff, proj.ID, run.ID) {
		if _, err := s.store.CreateClarification(ctx, &c); err != nil && !errors.Is(err, domain.ErrConflict) {
			s.log.Warn("seed clarification", "key", c.Key, "error", err)
		}
	}
}

// enforceClarifications blocks the step when a blocking clarification is
// still open on the run. Returns blocked=true when execution must stop.
func (s *Service) enforceClarifications(ctx context.Context, run *protocol.Run, st *step.Run, proj *project.Project) (bool, error) {
	open, err := s.store.ListOpenClarifications(ctx, proj.ID, &run.ID)
	if err != nil {
		if domain.Retryable(err) {
			return false, err
		}
		s.log.Warn("list clarifications failed, continuing", "protocol_run_id", run.ID, "error", err)
		return false, nil
	}

	var blocking *clarification.Clarification
	for i := range open {
		if open[i].Blocking {
			blocking = &open[i]
			break
		}
	}
	if blocking == nil {
		return false, nil
	}

	if _, err := s.store.UpdateStepStatus(ctx, st.ID, step.StatusBlocked,
		fmt.Sprintf("waiting on clarification %s", blocking.Key)); err != nil {
		return false, err
	}
	if run.Status.CanTransitionTo(protocol.StatusBlocked) {
		if _, err := s.store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusBlocked); err != nil {
			s.log.Warn("block protocol on clarification", "protocol_run_id", run.ID, "error", err)
		}
	}
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &run.ID,
		StepRunID:     &st.ID,
		EventType:     event.TypeProtocolBlocked,
		Message:       fmt.Sprintf("blocked on clarification %q: %s", blocking.Key, blocking.Question),
		Metadata:      metaJSON(map[string]any{"clarification_id": blocking.ID, "key": blocking.Key}),
	})
	return true, nil
}

// AnswerClarification records an answer and, when no blocking
// clarification remains open, releases blocked steps and resumes the
// protocol.
func (s *Service) AnswerClarification(ctx context.Context, id int64, answer, answeredBy string) (*clarification.Clarification, error) {
	c, err := s.store.AnswerClarification(ctx, id, answer, answeredBy)
	if err != nil {
		return nil, err
	}
	if c.ProtocolRunID == nil {
		return c, nil
	}

	open, err := s.store.ListOpenClarifications(ctx, c.ProjectID, c.ProtocolRunID)
	if err != nil {
		s.log.Warn("re-check clarifications", "protocol_run_id", *c.ProtocolRunID, "error", err)
		return c, nil
	}
	for i := range open {
		if open[i].Blocking {
			return c, nil
		}
	}

	run, err := s.store.GetProtocolRun(ctx, *c.ProtocolRunID)
	if err != nil || run.Status != protocol.StatusBlocked {
		return c, nil
	}

	steps, err := s.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		return c, nil
	}
	for i := range steps {
		if steps[i].Status == step.StatusBlocked {
			if _, err := s.store.UpdateStepStatus(ctx, steps[i].ID, step.StatusPending, ""); err != nil {
				s.log.Warn("release blocked step", "step_run_id", steps[i].ID, "error", err)
			}
		}
	}
	if run, err = s.store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusRunning); err != nil {
		s.log.Warn("resume protocol after clarification", "protocol_run_id", *c.ProtocolRunID, "error", err)
		return c, nil
	}
	if err := s.scheduleNext(ctx, run); err != nil {
		s.log.Warn("schedule after clarification", "protocol_run_id", run.ID, "error", err)
	}
	return c, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
