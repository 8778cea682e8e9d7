package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/TradingAgent/internal/pkg/billing"
)

// HandleSubmitTask prices a new analysis task and either dispatches it on
// free quota or returns the payment the client has to confirm.
func HandleSubmitTask(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c)
	}

	var req billing.SubmitRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	res, err := billing.GetServices().Orchestrator.SubmitTask(c.UserContext(), userID, req)
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, res)
}

func HandleQuoteTask(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c)
	}

	var req billing.QuoteRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	quote, err := billing.GetServices().Orchestrator.QuoteTask(c.UserContext(), userID, req)
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, quote)
}

// HandleListTasks pages through the caller's tasks. Query: page (zero based)
// and pageSize.
func HandleListTasks(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c)
	}

	tasks, err := billing.GetServices().Orchestrator.ListTasks(c.UserContext(), userID,
		c.QueryInt("page", 0), c.QueryInt("pageSize", billing.DefaultPageSize))
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, tasks)
}

func HandleTaskStats(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c)
	}

	stats, err := billing.GetServices().Orchestrator.TaskStats(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, stats)
}

func HandleGetTask(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c)
	}

	task, err := billing.GetServices().Orchestrator.GetTask(c.UserContext(), userID, c.Params("taskId"))
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, task)
}

// HandleRetryTask re-dispatches a FAILED task without charging again.
func HandleRetryTask(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c)
	}

	task, err := billing.GetServices().Orchestrator.RetryTask(c.UserContext(), userID, c.Params("taskId"))
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, task)
}
