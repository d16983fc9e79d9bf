package routes

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/recipe-hub/recipe-hub/internal/intercept"
	"github.com/recipe-hub/recipe-hub/internal/server"
)

// AgentRegistrar 是诊断接口依赖的注册器能力，*intercept.Registrar 满足该接口。
type AgentRegistrar interface {
	Register(ctx context.Context) (intercept.State, error)
	Status(ctx context.Context) (intercept.Status, error)
}

// RegisterAgentRoutes 暴露 /-/agent 诊断接口，查询代理状态并允许手动重试注册。
func RegisterAgentRoutes(app *fiber.App, registrar AgentRegistrar, logger *logrus.Logger) {
	if app == nil || registrar == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/agent", func(c fiber.Ctx) error {
		status, err := registrar.Status(c.Context())
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action":     "agent_status",
				"request_id": server.RequestID(c),
			}).WithError(err).Error("agent_status_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "agent_status_failed"})
		}
		return c.JSON(status)
	})

	app.Post("/-/agent/register", func(c fiber.Ctx) error {
		state, err := registrar.Register(c.Context())
		if err != nil {
			var installErr *intercept.InstallError
			if errors.As(err, &installErr) {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error":      "install_failed",
					"cache_name": installErr.CacheName,
					"state":      state,
				})
			}
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "registration_failed",
				"state": state,
			})
		}
		return c.JSON(fiber.Map{"state": state})
	})
}
