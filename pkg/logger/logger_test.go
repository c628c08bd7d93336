package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, level zap.AtomicLevel) *observer.ObservedLogs {
	t.Helper()
	core, recorded := observer.New(level)
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(nil) })
	return recorded
}

func TestInitConfiguresGlobalLogger(t *testing.T) {
	t.Cleanup(func() { Replace(nil) })

	require.NoError(t, Init("debug"))
	require.True(t, Logger().Core().Enabled(zap.DebugLevel))

	require.NoError(t, Init("verbose"))
	require.False(t, Logger().Core().Enabled(zap.DebugLevel), "unknown levels fall back to info")
	require.True(t, Logger().Core().Enabled(zap.InfoLevel))
}

func TestWithModuleAttachesModuleField(t *testing.T) {
	recorded := observe(t, zap.NewAtomicLevelAt(zap.InfoLevel))

	WithModule("api").Info("module test")

	entries := recorded.All()
	require.Len(t, entries, 1)
	require.Equal(t, "api", entries[0].ContextMap()["module"])
}

func TestWithAccountAndAuditLoggers(t *testing.T) {
	recorded := observe(t, zap.NewAtomicLevelAt(zap.DebugLevel))

	WithAccount("quota", "acct-1").Info("usage recorded")
	Audit().Debug("dropped")
	Audit().Info("block.created")

	entries := recorded.All()
	require.Len(t, entries, 2)
	require.Equal(t, "quota", entries[0].ContextMap()["module"])
	require.Equal(t, "acct-1", entries[0].ContextMap()["account_id"])
	require.Equal(t, "audit", entries[1].LoggerName)
}

func TestReplaceNilInstallsNop(t *testing.T) {
	Replace(nil)
	require.NotNil(t, Logger())
	require.NoError(t, Sync())
}
