package billing

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/app/repository"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/apperror"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/dispatch"
)

// taskDispatcher hands tasks to the engine and records the result on the task.
type taskDispatcher struct {
	tasks   repository.TaskRepository
	gateway dispatch.Gateway
	timeout time.Duration
}

// dispatch submits the task and stamps queued_at. The task stays PENDING
// until the engine reports progress.
func (d *taskDispatcher) dispatch(ctx context.Context, task *models.Task) error {
	if d.gateway == nil {
		return apperror.Dispatch("analysis engine is not configured", nil)
	}
	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.gateway.Submit(dctx, dispatch.Request{
		TaskID:        task.TaskID,
		Ticker:        task.Ticker,
		AnalysisDate:  task.AnalysisDate,
		Analysts:      task.Analysts(),
		ResearchDepth: task.ResearchDepth,
	})
	if err != nil {
		if !errors.Is(err, apperror.ErrDispatch) {
			err = apperror.Dispatch("failed to dispatch task", err)
		}
		return err
	}

	now := time.Now()
	if err := d.tasks.UpdateFields(ctx, task.ID, map[string]interface{}{"queued_at": &now}); err != nil {
		// The engine already has the task; a missing timestamp is cosmetic.
		log.Warnf("[Billing] task %s dispatched but queued_at not stored: %v", task.TaskID, err)
	}
	task.QueuedAt = &now
	return nil
}

// fail marks the task FAILED with the cause as its error message.
func (d *taskDispatcher) fail(ctx context.Context, task *models.Task, cause error) {
	msg := cause.Error()
	if appErr := apperror.From(cause); appErr.Kind != apperror.KindInternal {
		msg = appErr.Message
	}
	now := time.Now()
	if err := d.tasks.UpdateFields(ctx, task.ID, map[string]interface{}{
		"status":        models.TaskStatusFailed,
		"error_message": msg,
		"completed_at":  &now,
	}); err != nil {
		log.Errorf("[Billing] failed to mark task %s as FAILED: %v", task.TaskID, err)
		return
	}
	task.Status = models.TaskStatusFailed
	task.ErrorMessage = msg
	task.CompletedAt = &now
}
