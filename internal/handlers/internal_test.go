package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/services"
)

type fakeSchedulerService struct {
	runFn func(ctx context.Context, cmd services.RunDailyCheckCommand) (services.DailyCheckResult, error)
}

func (f *fakeSchedulerService) RunDailyCheck(ctx context.Context, cmd services.RunDailyCheckCommand) (services.DailyCheckResult, error) {
	return f.runFn(ctx, cmd)
}

func internalTestRouter(scheduler services.SchedulerService, opts ...InternalHandlersOption) chi.Router {
	h := NewInternalHandlers(testAuthenticator(), scheduler, opts...)
	r := chi.NewRouter()
	r.Route("/internal", h.Routes)
	return r
}

func TestRunSchedulerRequiresInternalRole(t *testing.T) {
	scheduler := &fakeSchedulerService{
		runFn: func(context.Context, services.RunDailyCheckCommand) (services.DailyCheckResult, error) {
			t.Fatalf("scheduler should not run for regular users")
			return services.DailyCheckResult{}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/scheduler:run", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "user_1", "user"))
	rr := httptest.NewRecorder()
	internalTestRouter(scheduler).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRunSchedulerForwardsLookaheadAndFilter(t *testing.T) {
	scheduler := &fakeSchedulerService{
		runFn: func(_ context.Context, cmd services.RunDailyCheckCommand) (services.DailyCheckResult, error) {
			if cmd.LookaheadDays != 14 {
				t.Fatalf("expected lookahead 14, got %d", cmd.LookaheadDays)
			}
			if len(cmd.UserFilter) != 2 {
				t.Fatalf("expected two filtered users, got %v", cmd.UserFilter)
			}
			if cmd.TriggeredBy != "cron_1" {
				t.Fatalf("expected cron identity, got %q", cmd.TriggeredBy)
			}
			return services.DailyCheckResult{
				RunID:   "run_1",
				Created: 3,
				Skipped: 5,
				Failed:  1,
			}, nil
		},
	}

	body := `{"lookahead_days":14,"user_filter":["user_1","user_2"]}`
	req := httptest.NewRequest(http.MethodPost, "/internal/scheduler:run", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "cron_1", "internal"))
	rr := httptest.NewRecorder()
	internalTestRouter(scheduler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"created":3`) || !strings.Contains(rr.Body.String(), `"skipped":5`) {
		t.Fatalf("expected run summary in body: %s", rr.Body.String())
	}
}

func TestRunSchedulerDefaultsWithEmptyBody(t *testing.T) {
	scheduler := &fakeSchedulerService{
		runFn: func(_ context.Context, cmd services.RunDailyCheckCommand) (services.DailyCheckResult, error) {
			if cmd.LookaheadDays != 0 {
				t.Fatalf("expected zero lookahead so the service applies its default, got %d", cmd.LookaheadDays)
			}
			if len(cmd.UserFilter) != 0 {
				t.Fatalf("expected empty filter, got %v", cmd.UserFilter)
			}
			return services.DailyCheckResult{RunID: "run_2"}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/scheduler:run", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "cron_1", "internal"))
	rr := httptest.NewRecorder()
	internalTestRouter(scheduler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRunSchedulerRejectsNegativeLookahead(t *testing.T) {
	scheduler := &fakeSchedulerService{
		runFn: func(context.Context, services.RunDailyCheckCommand) (services.DailyCheckResult, error) {
			t.Fatalf("scheduler should not run for invalid input")
			return services.DailyCheckResult{}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/scheduler:run", strings.NewReader(`{"lookahead_days":-1}`))
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "cron_1", "internal"))
	rr := httptest.NewRecorder()
	internalTestRouter(scheduler).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestProcessExecutionDeliversToProcessor(t *testing.T) {
	scheduler := &fakeSchedulerService{}
	processor := &fakeProcessorService{
		processFn: func(_ context.Context, executionID string) (domain.Execution, error) {
			if executionID != "exec_9" {
				t.Fatalf("unexpected execution id %q", executionID)
			}
			return domain.Execution{ID: "exec_9", Status: domain.ExecutionStatusCompleted, OrderID: "order_9"}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/executions/exec_9:process", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "cron_1", "internal"))
	rr := httptest.NewRecorder()
	internalTestRouter(scheduler, WithInternalProcessor(processor)).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"order_id":"order_9"`) {
		t.Fatalf("expected order id in body: %s", rr.Body.String())
	}
}

func TestProcessExecutionUnknownIDMapsToNotFound(t *testing.T) {
	scheduler := &fakeSchedulerService{}
	processor := &fakeProcessorService{
		processFn: func(context.Context, string) (domain.Execution, error) {
			return domain.Execution{}, services.ErrExecutionNotFound
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/executions/exec_missing:process", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "cron_1", "internal"))
	rr := httptest.NewRecorder()
	internalTestRouter(scheduler, WithInternalProcessor(processor)).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}
