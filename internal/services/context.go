package services

import "context"

type contextKey string

const (
	participantKey contextKey = "participant_id"
	sessionKey     contextKey = "session_id"
	stageKey       contextKey = "stage"
	runIDKey       contextKey = "run_id"
	requestIDKey   contextKey = "request_id"
)

// WithParticipant annotates context with the participant and session identifiers.
func WithParticipant(ctx context.Context, participantID, sessionID string) context.Context {
	if participantID != "" {
		ctx = context.WithValue(ctx, participantKey, participantID)
	}
	if sessionID != "" {
		ctx = context.WithValue(ctx, sessionKey, sessionID)
	}
	return ctx
}

// ParticipantFromContext extracts the participant identifier if present.
func ParticipantFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(participantKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// SessionFromContext extracts the session identifier if present.
func SessionFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(sessionKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithRunID annotates context with the batch run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext returns the batch run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
