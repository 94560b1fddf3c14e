package zapadapter

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogCarriesIDs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core))

	ctx := NewContextWithID(context.Background(), "req-1")
	ctx = NewContextWithConnID(ctx, "conn-1")
	l.Log(ctx, pgx.LogLevelInfo, "Query", map[string]interface{}{"rowCount": 1})

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "req-1", fields["request_id"])
	require.Equal(t, "conn-1", fields["conn_id"])
	require.EqualValues(t, 1, fields["rowCount"])
}

func TestLogLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core))

	l.Log(context.Background(), pgx.LogLevelWarn, "warn", nil)
	l.Log(context.Background(), pgx.LogLevelError, "error", nil)

	require.Equal(t, 2, logs.Len())
	require.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
	require.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)
	require.Empty(t, Fields(context.Background()))
}
