package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/logging"
	"github.com/any-hub/cachekit/internal/router"
	"github.com/any-hub/cachekit/internal/scope"
	"github.com/any-hub/cachekit/internal/strategy"
)

// FetchHandler describes the component that answers fetch events. *worker.Worker
// satisfies it; tests inject fakes.
type FetchHandler interface {
	HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetchHandlerFunc adapts a function to the FetchHandler interface.
type FetchHandlerFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// HandleFetch makes FetchHandlerFunc satisfy FetchHandler.
func (f FetchHandlerFunc) HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// AppOptions controls how the Fiber application bridges HTTP traffic into the worker.
type AppOptions struct {
	Logger *logrus.Logger
	Worker FetchHandler
	// Origin 是请求被改写到的上游站点。
	Origin *url.URL
	// Fetch 处理 worker 未接管的请求，为空时返回 404。
	Fetch      scope.FetchFunc
	ListenPort int
}

const contextKeyRequestID = "_cachekit_request_id"

// NewApp builds a Fiber application with request-id middleware and a catch-all
// handler that turns every non-diagnostics request into a fetch event.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Worker == nil {
		return nil, errors.New("worker is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return serveFetch(c, opts)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func serveFetch(c fiber.Ctx, opts AppOptions) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	// 请求 ctx 直接下传，客户端断开会中止网络请求；扩展任务由 worker 自行与之解耦。
	req, err := buildFetchRequest(ctx, c, opts.Origin)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	fields := logging.RequestFields(RequestID(c), req.Method, req.URL.String(), "", "", "worker")
	resp, err := opts.Worker.HandleFetch(ctx, req)
	if errors.Is(err, router.ErrNotHandled) {
		fields["source"] = "passthrough"
		if opts.Fetch == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_handled"})
		}
		resp, err = opts.Fetch(ctx, req)
	}

	switch {
	case errors.Is(err, strategy.ErrNoResponse):
		opts.Logger.WithFields(fields).WithError(err).Warn("fetch_no_response")
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "no_response"})
	case err != nil:
		opts.Logger.WithFields(fields).WithError(err).Error("fetch_failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "fetch_failed"})
	case resp == nil:
		opts.Logger.WithFields(fields).Warn("fetch_no_response")
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "no_response"})
	}
	defer resp.Body.Close()

	fields["status"] = resp.StatusCode
	opts.Logger.WithFields(fields).Debug("fetch_served")
	return writeResponse(c, resp)
}

func buildFetchRequest(ctx context.Context, c fiber.Ctx, origin *url.URL) (*http.Request, error) {
	target, err := origin.Parse(c.OriginalURL())
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload := c.Body(); len(payload) > 0 {
		body = bytes.NewReader(append([]byte(nil), payload...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if IsHopByHopHeader(name) || strings.EqualFold(name, fiber.HeaderHost) {
			return
		}
		req.Header.Add(name, string(value))
	})
	return req, nil
}

func writeResponse(c fiber.Ctx, resp *http.Response) error {
	for key, values := range resp.Header {
		if IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Status(resp.StatusCode)
	if c.Method() == http.MethodHead {
		return nil
	}
	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	return err
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

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
