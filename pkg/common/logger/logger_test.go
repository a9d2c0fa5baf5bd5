package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DebugLevel,
		"DEBUG":   DebugLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"":        InfoLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestAuditWritesWarnOnAuditLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Use(zap.New(core))
	t.Cleanup(func() { Use(zap.NewNop()) })

	Audit("lti.login.rejected", "code", "UNKNOWN_PLATFORM", "issuer", "https://lms.example.com")
	Info("plain %s", "message")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "audit", entries[0].LoggerName)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, "UNKNOWN_PLATFORM", entries[0].ContextMap()["code"])
	require.Equal(t, "plain message", entries[1].Message)
}
