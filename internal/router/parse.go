package router

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/any-hub/cachekit/internal/scope"
)

// ErrUnsupportedCapture 表示 ParseRoute 不认识 capture 的类型。
var ErrUnsupportedCapture = errors.New("unsupported route capture")

// ParseRoute 把多种 capture 形式转换为 Route：
//
//	string            与 Origin 解析后的完整 URL 精确匹配
//	*regexp.Regexp    NewRegExpRoute
//	MatchFunc         NewRoute
//	*Route            原样返回（忽略 handler 与 method）
func ParseRoute(sc *scope.Scope, capture any, handler Handler, method string) (*Route, error) {
	switch c := capture.(type) {
	case *Route:
		if c == nil {
			return nil, fmt.Errorf("%w: nil route", ErrUnsupportedCapture)
		}
		return c, nil
	case string:
		target, err := sc.Resolve(c)
		if err != nil {
			return nil, fmt.Errorf("parse capture %q: %w", c, err)
		}
		href := target.String()
		route := NewRoute(func(mc MatchContext) (any, bool) {
			return nil, mc.URL != nil && mc.URL.String() == href
		}, handler, method)
		route.Name = href
		return route, nil
	case *regexp.Regexp:
		if c == nil {
			return nil, fmt.Errorf("%w: nil regexp", ErrUnsupportedCapture)
		}
		return NewRegExpRoute(c, handler, method), nil
	case MatchFunc:
		return NewRoute(c, handler, method), nil
	case func(MatchContext) (any, bool):
		return NewRoute(c, handler, method), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCapture, capture)
	}
}
