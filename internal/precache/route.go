package precache

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/router"
	"github.com/any-hub/cachekit/internal/strategy"
)

// URLManipulation 生成额外的候选 URL。
type URLManipulation func(u *url.URL) []*url.URL

// RouteOptions 控制 precache 路由生成哪些 URL 变体。
type RouteOptions struct {
	// IgnoreURLParametersMatching 中匹配的查询参数会被移除后再查找。
	IgnoreURLParametersMatching []*regexp.Regexp
	// DirectoryIndex 非空时，以 / 结尾的 URL 追加该文件名再查找。
	DirectoryIndex string
	// CleanURLs 为 true 时尝试追加 .html。
	CleanURLs       bool
	URLManipulation URLManipulation
}

// DefaultRouteOptions 返回默认选项：忽略 utm_* 与 fbclid，目录索引 index.html，开启 cleanURLs。
func DefaultRouteOptions() RouteOptions {
	return RouteOptions{
		IgnoreURLParametersMatching: []*regexp.Regexp{
			regexp.MustCompile(`^utm_`),
			regexp.MustCompile(`^fbclid$`),
		},
		DirectoryIndex: "index.html",
		CleanURLs:      true,
	}
}

// NewPrecacheRoute 构建匹配清单 URL（含变体）的路由，params 携带缓存 key 与 SRI。
func NewPrecacheRoute(c *Controller, opts RouteOptions) *router.Route {
	route := router.NewRoute(func(mc router.MatchContext) (any, bool) {
		if mc.URL == nil {
			return nil, false
		}
		urlsToCacheKeys := c.GetURLsToCacheKeys()
		for _, candidate := range GenerateURLVariations(mc.URL, opts) {
			if key, ok := urlsToCacheKeys[candidate]; ok {
				return strategy.PrecacheParams{CacheKey: key, Integrity: c.GetIntegrityForCacheKey(key)}, true
			}
		}
		return nil, false
	}, c.Strategy(), "")
	route.Name = "precache"
	return route
}

// GenerateURLVariations 按顺序生成候选 URL：原始地址、移除忽略参数、目录索引、.html、自定义。
func GenerateURLVariations(u *url.URL, opts RouteOptions) []string {
	base := *u
	base.Fragment = ""
	out := []string{base.String()}

	stripped, err := url.Parse(cache.StripParamsMatching(base.String(), opts.IgnoreURLParametersMatching))
	if err != nil {
		return out
	}
	out = append(out, stripped.String())

	if opts.DirectoryIndex != "" && strings.HasSuffix(stripped.Path, "/") {
		dir := *stripped
		dir.Path += opts.DirectoryIndex
		dir.RawPath = ""
		out = append(out, dir.String())
	}

	if opts.CleanURLs {
		clean := *stripped
		clean.Path += ".html"
		clean.RawPath = ""
		out = append(out, clean.String())
	}

	if opts.URLManipulation != nil {
		for _, extra := range opts.URLManipulation(&base) {
			if extra != nil {
				out = append(out, extra.String())
			}
		}
	}
	return out
}
