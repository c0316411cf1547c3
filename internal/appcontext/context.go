// Package appcontext carries the resolved (app, caller) identity through a
// request context. Authentication itself lives with the upstream
// collaborator; this package only transports its result.
package appcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type appKey struct{}
type callerKey struct{}

// WithApp stores the app ID in the context.
func WithApp(ctx context.Context, appID snowflake.ID) context.Context {
	return context.WithValue(ctx, appKey{}, appID)
}

// WithCaller stores the caller identity in the context.
func WithCaller(ctx context.Context, userID snowflake.ID) context.Context {
	return context.WithValue(ctx, callerKey{}, userID)
}

// WithIdentity stores both halves of the resolved identity.
func WithIdentity(ctx context.Context, appID, userID snowflake.ID) context.Context {
	return WithCaller(WithApp(ctx, appID), userID)
}

// AppIDFromContext returns the app ID from context, if set.
func AppIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	return idFromContext(ctx, appKey{})
}

// CallerIDFromContext returns the caller's user ID from context, if set.
func CallerIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	return idFromContext(ctx, callerKey{})
}

func idFromContext(ctx context.Context, key any) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}

	value := ctx.Value(key)
	switch typed := value.(type) {
	case snowflake.ID:
		return typed, typed != 0
	case int64:
		return snowflake.ID(typed), typed != 0
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, parsed != 0
		}
	}
	return 0, false
}
