package web

import (
	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func unauthorized(c fiber.Ctx) error {
	problem := problems.NewStatusProblem(fiber.StatusUnauthorized).
		WithInstance(c.Path()).
		WithType("missing_principal").
		WithDetail("the " + principalHeader + " header is required")

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

func reservedPrincipal(c fiber.Ctx, id string) error {
	problem := problems.NewStatusProblem(fiber.StatusForbidden).
		WithInstance(c.Path()).
		WithType("reserved_principal").
		WithDetail("principal " + id + " is reserved")

	return c.Status(fiber.StatusForbidden).JSON(problem)
}

// handleError maps error kinds to problem responses. The error code, when
// present, becomes the problem type.
func handleError(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	problemType := "internal_error"

	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = fiber.StatusBadRequest
		problemType = "validation_error"

		if apperr.CodeOf(err) == apperr.CodeWorkflowExists || apperr.CodeOf(err) == apperr.CodeAgentExists {
			status = fiber.StatusConflict
		}
	case apperr.KindNotFound:
		status = fiber.StatusNotFound
		problemType = "not_found"
	case apperr.KindPermission:
		status = fiber.StatusForbidden
		problemType = "permission_denied"
	case apperr.KindDispatch:
		status = fiber.StatusServiceUnavailable
		problemType = "dispatch_error"
	case apperr.KindTimeout:
		status = fiber.StatusGatewayTimeout
		problemType = "timeout"
	case apperr.KindAgentExecution:
		status = fiber.StatusBadGateway
		problemType = "agent_execution_error"
	case apperr.KindCancelled:
		status = fiber.StatusConflict
		problemType = "cancelled"
	}

	if code := apperr.CodeOf(err); code != "" {
		problemType = code
	}

	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(err.Error())

	return c.Status(status).JSON(problem)
}
