package utils

import "context"

type contextKey string

const ContextKeyCorrelationId contextKey = "correlationId"

func SetCorrelationIdInContext(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationId, correlationID)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyCorrelationId).(string)
	return v, ok && v != ""
}
