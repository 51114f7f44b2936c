package context

import "context"

type contextKey string

const (
	requestIDKey    contextKey = "observability_request_id"
	identityTypeKey contextKey = "observability_identity_type"
	identityIDKey   contextKey = "observability_identity_id"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithIdentity records who the request acts for: "user" or "guest".
func WithIdentity(ctx context.Context, identityType, identityID string) context.Context {
	if ctx == nil {
		return ctx
	}
	if identityType != "" {
		ctx = context.WithValue(ctx, identityTypeKey, identityType)
	}
	if identityID != "" {
		ctx = context.WithValue(ctx, identityIDKey, identityID)
	}
	return ctx
}

func IdentityFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	identityType, _ := ctx.Value(identityTypeKey).(string)
	identityID, _ := ctx.Value(identityIDKey).(string)
	return identityType, identityID
}
