package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/repositories"
)

const (
	defaultLookaheadDays = 7
	defaultLeadTimeDays  = 7
	maxLookaheadDays     = 60
)

// Scheduler sentinels.
var (
	// ErrSchedulerInvalidInput flags malformed run parameters.
	ErrSchedulerInvalidInput = fmt.Errorf("%w: scheduler invalid input", ErrValidation)
	// ErrSchedulerUnavailable flags a storage outage that prevented the run
	// from even starting.
	ErrSchedulerUnavailable = errors.New("scheduler: storage unavailable")
)

// Skip reasons recorded per rule×event pair that produced no execution.
const (
	skipReasonDuplicate    = "duplicate"
	skipReasonRulePaused   = "rule_paused"
	skipReasonWindowMissed = "window_missed"
	skipReasonBudgetZero   = "budget_zero"
)

// SchedulerServiceDeps wires the scheduler's collaborators.
type SchedulerServiceDeps struct {
	Rules       repositories.RuleRepository
	Events      repositories.EventRepository
	Executions  repositories.ExecutionRepository
	Dispatcher  ExecutionDispatcher
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type schedulerService struct {
	rules      repositories.RuleRepository
	events     repositories.EventRepository
	executions repositories.ExecutionRepository
	dispatcher ExecutionDispatcher
	audit      AuditLogService
	clock      func() time.Time
	idGen      func() string
	logger     Logger
}

var _ SchedulerService = (*schedulerService)(nil)

// NewSchedulerService constructs the daily scheduling service.
func NewSchedulerService(deps SchedulerServiceDeps) (SchedulerService, error) {
	if deps.Rules == nil {
		return nil, errors.New("scheduler service: rule repository is required")
	}
	if deps.Events == nil {
		return nil, errors.New("scheduler service: event repository is required")
	}
	if deps.Executions == nil {
		return nil, errors.New("scheduler service: execution repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		return nil, errors.New("scheduler service: id generator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &schedulerService{
		rules:      deps.Rules,
		events:     deps.Events,
		executions: deps.Executions,
		dispatcher: deps.Dispatcher,
		audit:      deps.Audit,
		clock:      func() time.Time { return clock().UTC() },
		idGen:      idGen,
		logger:     logger,
	}, nil
}

// RunDailyCheck materialises executions for every enabled rule whose matching
// event lands inside the lookahead window. The run is resumable and safe to
// repeat: the keyed execution insert turns duplicates into skips, and any
// individual pair failure is recorded without stopping the sweep.
func (s *schedulerService) RunDailyCheck(ctx context.Context, cmd RunDailyCheckCommand) (DailyCheckResult, error) {
	lookahead := cmd.LookaheadDays
	if lookahead == 0 {
		lookahead = defaultLookaheadDays
	}
	if lookahead < 0 || lookahead > maxLookaheadDays {
		return DailyCheckResult{}, fmt.Errorf("%w: lookahead days out of range", ErrSchedulerInvalidInput)
	}

	userFilter := make([]string, 0, len(cmd.UserFilter))
	for _, userID := range cmd.UserFilter {
		if trimmed := strings.TrimSpace(userID); trimmed != "" {
			userFilter = append(userFilter, trimmed)
		}
	}

	now := s.clock()
	today := now.Truncate(24 * time.Hour)
	runID := "run_" + s.idGen()

	rules, err := s.rules.ListEnabled(ctx, userFilter)
	if err != nil {
		if isRepoUnavailable(err) {
			return DailyCheckResult{}, fmt.Errorf("%w: %v", ErrSchedulerUnavailable, err)
		}
		return DailyCheckResult{}, fmt.Errorf("scheduler: list rules: %w", err)
	}

	maxLead := defaultLeadTimeDays
	for _, rule := range rules {
		if rule.LeadTimeDays > maxLead {
			maxLead = rule.LeadTimeDays
		}
	}

	// Events are fetched wide enough that every rule's lead time can still
	// land an execution date inside the lookahead window. A fetch failure is
	// not fatal: the run still completes (and is audited) with zero events,
	// and the next daily sweep picks the window up again.
	events, err := s.events.ListUpcoming(ctx, today, today.AddDate(0, 0, lookahead+maxLead))
	if err != nil {
		s.logger(ctx, "scheduler.events.list_failed", map[string]any{
			"runId": runID,
			"error": err.Error(),
		})
		events = nil
	}

	eventsByUser := make(map[string][]domain.CalendarEvent, len(events))
	for _, event := range events {
		eventsByUser[event.UserID] = append(eventsByUser[event.UserID], event)
	}

	result := DailyCheckResult{RunID: runID}
	windowEnd := today.AddDate(0, 0, lookahead)

	for _, rule := range rules {
		for _, event := range eventsByUser[rule.UserID] {
			if !ruleMatchesEvent(rule, event) {
				continue
			}

			leadTime := rule.LeadTimeDays
			if leadTime <= 0 {
				leadTime = defaultLeadTimeDays
			}
			eventDay := event.EventDate.UTC().Truncate(24 * time.Hour)
			if eventDay.Before(today) {
				s.logSkip(ctx, runID, rule.ID, event.ID, skipReasonWindowMissed)
				result.Skipped++
				continue
			}
			executionDate := eventDay.AddDate(0, 0, -leadTime)
			if executionDate.After(windowEnd) {
				continue
			}
			// Ideal send dates already behind us still get an execution:
			// the date is pulled forward to today so a late-created rule
			// covers an imminent event instead of silently skipping it.
			if executionDate.Before(today) {
				executionDate = today
			}

			switch {
			case rule.PausedAt(executionDate):
				s.logSkip(ctx, runID, rule.ID, event.ID, skipReasonRulePaused)
				result.Skipped++
				continue
			case rule.BudgetCents <= 0:
				s.logSkip(ctx, runID, rule.ID, event.ID, skipReasonBudgetZero)
				result.Skipped++
				continue
			}

			execution := domain.Execution{
				ID:            "exec_" + s.idGen(),
				RuleID:        rule.ID,
				EventID:       event.ID,
				UserID:        rule.UserID,
				ExecutionDate: executionDate,
				Status:        domain.ExecutionStatusScheduled,
				ScheduledBy:   runID,
				Metadata: map[string]string{
					"occasionType": event.OccasionType,
					"recipientId":  event.RecipientID,
				},
				CreatedAt: now,
				UpdatedAt: now,
			}

			if err := s.executions.Insert(ctx, execution); err != nil {
				if isRepoConflict(err) {
					s.logSkip(ctx, runID, rule.ID, event.ID, skipReasonDuplicate)
					result.Skipped++
					continue
				}
				s.logger(ctx, "scheduler.execution.insert_failed", map[string]any{
					"runId":   runID,
					"ruleId":  rule.ID,
					"eventId": event.ID,
					"error":   err.Error(),
				})
				result.Failed++
				continue
			}

			result.Created++
			result.CreatedExecutionIDs = append(result.CreatedExecutionIDs, execution.ID)
			s.logger(ctx, "scheduler.execution.created", map[string]any{
				"runId":         runID,
				"executionId":   execution.ID,
				"ruleId":        rule.ID,
				"eventId":       event.ID,
				"executionDate": executionDate.Format("2006-01-02"),
			})

			s.dispatch(ctx, execution)
		}
	}

	s.recordRun(ctx, cmd, result)
	return result, nil
}

// dispatch hands the execution to the processor queue. A publish failure
// leaves the execution in scheduled so a later sweep can redeliver it.
func (s *schedulerService) dispatch(ctx context.Context, execution domain.Execution) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.DispatchExecution(ctx, execution); err != nil {
		s.logger(ctx, "scheduler.execution.dispatch_failed", map[string]any{
			"executionId": execution.ID,
			"error":       err.Error(),
		})
		return
	}
	if _, err := s.executions.UpdateStatusIf(ctx, execution.ID,
		[]domain.ExecutionStatus{domain.ExecutionStatusScheduled},
		domain.ExecutionStatusDispatched, nil); err != nil {
		s.logger(ctx, "scheduler.execution.mark_dispatched_failed", map[string]any{
			"executionId": execution.ID,
			"error":       err.Error(),
		})
	}
}

func (s *schedulerService) logSkip(ctx context.Context, runID, ruleID, eventID, reason string) {
	s.logger(ctx, "scheduler.execution.skipped", map[string]any{
		"runId":   runID,
		"ruleId":  ruleID,
		"eventId": eventID,
		"reason":  reason,
	})
}

func (s *schedulerService) recordRun(ctx context.Context, cmd RunDailyCheckCommand, result DailyCheckResult) {
	if s.audit == nil {
		return
	}
	actor := strings.TrimSpace(cmd.TriggeredBy)
	if actor == "" {
		actor = "system:scheduler"
	}
	if _, err := s.audit.Record(ctx, AuditLogRecord{
		Actor:      actor,
		Action:     "scheduler.daily_check",
		TargetType: "scheduler_run",
		TargetID:   result.RunID,
		Detail: map[string]any{
			"created": result.Created,
			"skipped": result.Skipped,
			"failed":  result.Failed,
		},
	}); err != nil {
		s.logger(ctx, "scheduler.audit_failed", map[string]any{
			"runId": result.RunID,
			"error": err.Error(),
		})
	}
}

func ruleMatchesEvent(rule domain.AutoGiftRule, event domain.CalendarEvent) bool {
	if rule.UserID != event.UserID {
		return false
	}
	if rule.RecipientID != "" && rule.RecipientID != event.RecipientID {
		return false
	}
	if rule.OccasionType != "" && rule.OccasionType != event.OccasionType {
		return false
	}
	return true
}
