package router

import (
	"context"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/any-hub/cachekit/internal/scope"
	"github.com/any-hub/cachekit/internal/strategy"
)

// DefaultMethod 是未指定方法时的路由方法。
const DefaultMethod = http.MethodGet

// MatchContext 是匹配回调拿到的上下文。
type MatchContext struct {
	URL        *url.URL
	Request    *http.Request
	Event      *scope.Event
	SameOrigin bool
}

// MatchFunc 返回 (params, true) 表示匹配成功。空切片、空 map 与 bool 会被规整为 nil params。
type MatchFunc func(mc MatchContext) (any, bool)

// Handler 处理已匹配的请求，*strategy.Strategy 即满足该接口。
type Handler interface {
	Handle(ctx context.Context, opts strategy.HandleOptions) (*http.Response, error)
}

// HandlerFunc 让普通函数满足 Handler。
type HandlerFunc func(ctx context.Context, opts strategy.HandleOptions) (*http.Response, error)

func (f HandlerFunc) Handle(ctx context.Context, opts strategy.HandleOptions) (*http.Response, error) {
	return f(ctx, opts)
}

// Route 由匹配回调、处理器与 HTTP 方法组成。
type Route struct {
	Name         string
	Match        MatchFunc
	Handler      Handler
	Method       string
	CatchHandler Handler
}

// NewRoute 构建路由，method 为空时使用 GET。
func NewRoute(match MatchFunc, handler Handler, method string) *Route {
	return &Route{
		Match:   match,
		Handler: handler,
		Method:  normalizeMethod(method),
	}
}

// SetCatchHandler 设置处理器出错时使用的兜底处理器。
func (r *Route) SetCatchHandler(h Handler) {
	r.CatchHandler = h
}

// NewRegExpRoute 用正则匹配完整 URL，捕获组作为 params。
// 跨域请求必须从 URL 开头匹配，避免宽松的正则误伤第三方地址。
func NewRegExpRoute(re *regexp.Regexp, handler Handler, method string) *Route {
	route := NewRoute(func(mc MatchContext) (any, bool) {
		if mc.URL == nil {
			return nil, false
		}
		href := mc.URL.String()
		loc := re.FindStringSubmatchIndex(href)
		if loc == nil {
			return nil, false
		}
		if !mc.SameOrigin && loc[0] != 0 {
			return nil, false
		}
		groups := make([]string, 0, len(loc)/2-1)
		for i := 2; i+1 < len(loc); i += 2 {
			if loc[i] < 0 {
				groups = append(groups, "")
				continue
			}
			groups = append(groups, href[loc[i]:loc[i+1]])
		}
		return groups, true
	}, handler, method)
	route.Name = re.String()
	return route
}

// NavigationOptions 控制导航路由匹配的路径范围，匹配对象为 pathname + search。
type NavigationOptions struct {
	Allowlist []*regexp.Regexp
	Denylist  []*regexp.Regexp
}

// NewNavigationRoute 只匹配页面导航请求。先检查 Denylist，再检查 Allowlist（为空表示全部允许）。
func NewNavigationRoute(handler Handler, opts NavigationOptions) *Route {
	route := NewRoute(func(mc MatchContext) (any, bool) {
		if mc.Request == nil || mc.URL == nil || !IsNavigation(mc.Request) {
			return nil, false
		}
		target := mc.URL.EscapedPath()
		if mc.URL.RawQuery != "" {
			target += "?" + mc.URL.RawQuery
		}
		for _, re := range opts.Denylist {
			if re.MatchString(target) {
				return nil, false
			}
		}
		if len(opts.Allowlist) == 0 {
			return nil, true
		}
		for _, re := range opts.Allowlist {
			if re.MatchString(target) {
				return nil, true
			}
		}
		return nil, false
	}, handler, http.MethodGet)
	route.Name = "navigation"
	return route
}

// IsNavigation 判断请求是否为页面导航：优先看 Sec-Fetch-Mode，否则看 GET + Accept: text/html。
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// normalizeParams 把“空”的匹配结果统一为 nil。
func normalizeParams(params any) any {
	if params == nil {
		return nil
	}
	if _, ok := params.(bool); ok {
		return nil
	}
	v := reflect.ValueOf(params)
	switch v.Kind() {
	case reflect.Slice, reflect.Map:
		if v.Len() == 0 {
			return nil
		}
	}
	return params
}

func normalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return DefaultMethod
	}
	return method
}
