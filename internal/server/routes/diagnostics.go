// Package routes 注册 /-/ 前缀下的诊断与运维接口。
package routes

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/plugins/bgsync"
	"github.com/any-hub/cachekit/internal/server"
	"github.com/any-hub/cachekit/internal/strategy"
	"github.com/any-hub/cachekit/internal/worker"
)

// RegisterDiagnosticsRoutes 暴露路由、策略、缓存与后台同步的诊断接口，
// 以及手动触发 install / activate / sync / message 事件的入口。
func RegisterDiagnosticsRoutes(app *fiber.App, rt *server.Runtime) {
	if app == nil || rt == nil || rt.Worker == nil {
		return
	}

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/-/routes", func(c fiber.Ctx) error {
		bindings := rt.Routes.List()
		var names []string
		for _, b := range bindings {
			names = append(names, b.Config.PluginNames()...)
		}
		return c.JSON(fiber.Map{
			"routes":          encodeBindings(bindings),
			"plugin_registry": plugin.Snapshot(names),
		})
	})

	app.Get("/-/strategies", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"strategies": encodeStrategies(strategy.List())})
	})

	app.Get("/-/precache", func(c fiber.Ctx) error {
		pc := rt.Worker.Precache()
		return c.JSON(fiber.Map{
			"cache_name": pc.CacheName(),
			"urls":       pc.GetURLsToCacheKeys(),
		})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := rt.Scope.Caches.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_keys_failed"})
		}
		sort.Strings(names)
		return c.JSON(fiber.Map{"caches": names})
	})

	app.Get("/-/updates", func(c fiber.Ctx) error {
		var since time.Time
		if raw := c.Query("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_since"})
			}
			since = parsed
		}
		return c.JSON(fiber.Map{"messages": rt.Messages.Since(since)})
	})

	app.Post("/-/messages", func(c fiber.Ctx) error {
		msg, err := worker.ParseMessage(c.Body())
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		// 消息触发的缓存写入在响应返回后继续执行。
		ctx := context.WithoutCancel(c.Context())
		if err := rt.Worker.HandleMessage(ctx, msg); err != nil {
			if errors.Is(err, worker.ErrUnknownMessage) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
			}
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "message_failed"})
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Post("/-/install", func(c fiber.Ctx) error {
		result, err := rt.Worker.Install(c.Context())
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "install_failed", "result": result})
		}
		return c.JSON(result)
	})

	app.Post("/-/activate", func(c fiber.Ctx) error {
		result, err := rt.Worker.Activate(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "activate_failed"})
		}
		return c.JSON(result)
	})

	app.Get("/-/sync", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"queues": bgsync.Queues()})
	})

	app.Get("/-/sync/:queue", func(c fiber.Ctx) error {
		q, ok := bgsync.Lookup(c.Params("queue"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "queue_not_found"})
		}
		entries, err := q.GetAll(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "queue_read_failed"})
		}
		return c.JSON(fiber.Map{"queue": q.Name(), "size": len(entries), "entries": encodeQueueEntries(entries)})
	})

	app.Post("/-/sync/:queue", func(c fiber.Ctx) error {
		name := c.Params("queue")
		if _, ok := bgsync.Lookup(name); !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "queue_not_found"})
		}
		if err := rt.Worker.Sync(c.Context(), bgsync.SyncTag(name)); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "replay_failed"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

type routePayload struct {
	Name      string   `json:"name"`
	Match     string   `json:"match"`
	Method    string   `json:"method"`
	Strategy  string   `json:"strategy"`
	CacheName string   `json:"cache_name"`
	Plugins   []string `json:"plugins,omitempty"`
}

type strategyPayload struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	ReadsCache  bool   `json:"reads_cache"`
	WritesCache bool   `json:"writes_cache"`
}

type queueEntryPayload struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

func encodeBindings(bindings []server.RouteBinding) []routePayload {
	if len(bindings) == 0 {
		return nil
	}
	result := make([]routePayload, 0, len(bindings))
	for _, b := range bindings {
		result = append(result, routePayload{
			Name:      b.Config.Name,
			Match:     b.Config.Match,
			Method:    b.Config.Method,
			Strategy:  b.Runtime.Kind.Key,
			CacheName: b.Strategy.CacheName,
			Plugins:   b.Config.PluginNames(),
		})
	}
	return result
}

func encodeStrategies(kinds []strategy.Kind) []strategyPayload {
	sort.Slice(kinds, func(i, j int) bool {
		return kinds[i].Key < kinds[j].Key
	})
	result := make([]strategyPayload, 0, len(kinds))
	for _, k := range kinds {
		result = append(result, strategyPayload{
			Key:         k.Key,
			Description: k.Description,
			ReadsCache:  k.ReadsCache,
			WritesCache: k.WritesCache,
		})
	}
	return result
}

func encodeQueueEntries(entries []bgsync.QueueEntry) []queueEntryPayload {
	result := make([]queueEntryPayload, 0, len(entries))
	for _, e := range entries {
		result = append(result, queueEntryPayload{
			ID:        e.ID,
			Method:    e.Request.Method,
			URL:       e.Request.URL,
			Timestamp: e.Timestamp,
		})
	}
	return result
}
