package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		raw       json.RawMessage
		formatter logrus.Formatter
		level     logrus.Level
		wantErr   bool
	}{
		{"ok/default", nil, &logrus.TextFormatter{}, logrus.InfoLevel, false},
		{"ok/text", json.RawMessage(`{"format":"text"}`), &logrus.TextFormatter{}, logrus.InfoLevel, false},
		{"ok/json", json.RawMessage(`{"format":"json","level":"debug"}`), &logrus.JSONFormatter{}, logrus.DebugLevel, false},
		{"ok/common", json.RawMessage(`{"format":"COMMON","level":"warn"}`), &CommonLogFormat{}, logrus.WarnLevel, false},
		{"fail/format", json.RawMessage(`{"format":"xml"}`), nil, 0, true},
		{"fail/level", json.RawMessage(`{"level":"loud"}`), nil, 0, true},
		{"fail/json", json.RawMessage(`{"format":`), nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New("enroll", tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.formatter, got.Formatter)
			assert.Equal(t, tt.level, got.Level)
			assert.Equal(t, "enroll", got.Name())
			assert.Same(t, got.Logger, got.GetImpl())
		})
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	assert.NotPanics(t, func() {
		l.Named().WithField("template", "User").Info("discarded")
	})
	assert.Equal(t, "nop", l.Name())
}

func TestCommonLogFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("enroll", json.RawMessage(`{"format":"common"}`))
	require.NoError(t, err)
	l.Out = &buf

	l.Named().WithFields(logrus.Fields{
		"request-id":    "1234",
		"context":       "user",
		"template":      "User",
		"request.kind":  "pkcs10",
		"request.state": "signed",
	}).Info("request encoded")
	assert.Regexp(t, `^\S+ info 1234 enroll user User pkcs10 signed - "request encoded"\n$`, buf.String())

	buf.Reset()
	l.Named().WithError(errors.New("force")).WithField("status", 503).Error("submit failed")
	assert.Regexp(t, `^\S+ error - enroll - - - - 503 "submit failed" "force"\n$`, buf.String())
}

func TestCommonLogFormat_Format(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "policy refreshed",
		Data: logrus.Fields{
			"name":   "policy",
			"status": time.Second,
		},
	}
	b, err := new(CommonLogFormat).Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z warning - policy - - - - 1000 \"policy refreshed\"\n", string(b))

	// Errors are logged with the logrus error key.
	assert.Equal(t, logrus.ErrorKey, ErrorKey)
	entry.Data[ErrorKey] = errors.New("force")
	b, err = new(CommonLogFormat).Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z warning - policy - - - - 1000 \"policy refreshed\" \"force\"\n", string(b))
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	_, ok := GetRequestID(ctx)
	assert.False(t, ok)

	_, ok = GetRequestID(WithRequestID(ctx, ""))
	assert.False(t, ok)

	id, ok := GetRequestID(WithRequestID(ctx, "a1b2"))
	assert.True(t, ok)
	assert.Equal(t, "a1b2", id)
}
