package strategy

import (
	"offline0/internal/fetch"
	"offline0/internal/store"
)

type Category string

const (
	CategoryAPI         Category = "api"
	CategoryImage       Category = "image"
	CategoryFont        Category = "font"
	CategoryStyleScript Category = "style-script"
	CategoryNavigation  Category = "navigation"
	CategoryOther       Category = "other"
)

type Kind string

const (
	NetworkFirst         Kind = "network-first"
	NetworkFirstOffline  Kind = "network-first-offline"
	CacheFirst           Kind = "cache-first"
	StaleWhileRevalidate Kind = "stale-while-revalidate"
	CacheFirstRefresh    Kind = "cache-first-background-refresh"
)

// Route is where a request goes: which strategy, against which store role.
type Route struct {
	Category Category
	Strategy Kind
	Role     store.Role
}

// PathMatcher decides whether a path is an API call.
type PathMatcher interface {
	Match(path string) bool
}

type Classifier struct {
	api PathMatcher
}

func NewClassifier(api PathMatcher) Classifier {
	return Classifier{api: api}
}

// Classify is total and deterministic; rules are checked in table order.
func (c Classifier) Classify(r *fetch.Request) Route {
	switch {
	case c.api != nil && c.api.Match(r.URL.Path):
		return Route{CategoryAPI, NetworkFirst, store.RoleDynamic}
	case r.Destination == fetch.DestImage:
		return Route{CategoryImage, CacheFirstRefresh, store.RoleImage}
	case r.Destination == fetch.DestFont:
		return Route{CategoryFont, CacheFirst, store.RoleStatic}
	case r.Destination == fetch.DestStyle || r.Destination == fetch.DestScript:
		return Route{CategoryStyleScript, StaleWhileRevalidate, store.RoleStatic}
	case r.IsNavigation():
		return Route{CategoryNavigation, NetworkFirstOffline, store.RoleDynamic}
	default:
		return Route{CategoryOther, CacheFirst, store.RoleDynamic}
	}
}
