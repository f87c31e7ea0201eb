// Package audit records the mutations a finance ledger must be able to
// replay in a review: who moved money, when, and under which request.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"finledger.org/internal/auth"
	"finledger.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// entry is the shape of one audit line on the log stream.
type entry struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// LogEvent writes an audit line enriched with the request id and the
// authenticated owner taken from ctx.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}

	e := entry{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Type:   "audit",
		Event:  event,
		Fields: map[string]any{},
	}
	if ctx != nil {
		if rid, ok := ctx.Value(requestIDKey).(string); ok {
			e.RequestID = rid
		}
		if userID, ok := auth.UserIDFromContext(ctx); ok {
			e.UserID = userID
		}
	}
	for k, v := range fields {
		e.Fields[k] = v
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
