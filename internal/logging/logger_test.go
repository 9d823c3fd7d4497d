package logging

import (
	"context"
	"testing"
)

func TestGetLoggerNeverNil(t *testing.T) {
	if GetLogger() == nil {
		t.Fatal("expected a non-nil fallback logger before Initialize")
	}
}

func TestInfoWithContextFieldsDoesNotPanic(t *testing.T) {
	ctx := context.WithValue(context.Background(), RoomIDKey, "room-1")
	ctx = context.WithValue(ctx, ConnIDKey, "conn-1")
	Info(ctx, "test message")
	Warn(context.Background(), "no context fields")
}
