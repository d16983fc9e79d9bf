package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/recipe-hub/recipe-hub/internal/recipes"
	"github.com/recipe-hub/recipe-hub/internal/render"
)

// RecipeSource describes the component that yields the ordered recipe list.
// It allows injecting fakes during tests.
type RecipeSource interface {
	Get(ctx context.Context) (recipes.List, error)
}

// RecipeSourceFunc adapts a function to the RecipeSource interface.
type RecipeSourceFunc func(ctx context.Context) (recipes.List, error)

// Get makes RecipeSourceFunc satisfy RecipeSource.
func (f RecipeSourceFunc) Get(ctx context.Context) (recipes.List, error) {
	return f(ctx)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Recipes    RecipeSource
	Page       render.Renderer
	ListenPort int
}

const contextKeyRequestID = "_recipehub_request_id"

// NewApp builds a Fiber application serving the recipe page and JSON listing
// with request ID tagging and panic recovery.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Recipes == nil {
		return nil, errors.New("recipe source is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	page := opts.Page
	if page == nil {
		page = render.HTMLRenderer{}
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.Get("/", func(c fiber.Ctx) error {
		list, err := opts.Recipes.Get(requestContext(c))
		if err != nil {
			// 页面仍然渲染，只是没有卡片。
			logRecipeError(opts.Logger, c, err)
			list = nil
		}
		return renderList(c, page, list)
	})

	app.Get("/recipes.json", func(c fiber.Ctx) error {
		list, err := opts.Recipes.Get(requestContext(c))
		if err != nil {
			logRecipeError(opts.Logger, c, err)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error": "recipes_unavailable",
			})
		}
		return renderList(c, render.JSONRenderer{}, list)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，并回写到 X-Request-ID。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func renderList(c fiber.Ctx, renderer render.Renderer, list recipes.List) error {
	buf := &bytes.Buffer{}
	if err := renderer.Render(buf, list); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	c.Set(fiber.HeaderContentType, renderer.ContentType())
	return c.Send(buf.Bytes())
}

func logRecipeError(logger *logrus.Logger, c fiber.Ctx, err error) {
	fields := logrus.Fields{
		"action":     "recipes_get",
		"path":       c.Path(),
		"request_id": RequestID(c),
	}
	var fetchErr *recipes.FetchError
	if errors.As(err, &fetchErr) {
		fields["url"] = fetchErr.URL
	}
	logger.WithFields(fields).WithError(err).Error("recipes_unavailable")
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
