package clustercore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestModuleEncoding(t *testing.T) {
	t.Parallel()
	// The storage encoding is persisted and must not drift.
	require.Equal(t, 0, ModuleReport.Int())
	require.Equal(t, 1, ModuleAlert.Int())
	require.Equal(t, 2, ModuleDerivedStream.Int())
	require.Equal(t, 3, ModuleQueryRecommendation.Int())

	for m := range moduleNames {
		decoded, err := ModuleFromInt(m.Int())
		require.NoError(t, err)
		require.Equal(t, m, decoded)

		parsed, err := ParseModule(m.String())
		require.NoError(t, err)
		require.Equal(t, m, parsed)
	}

	_, err := ModuleFromInt(99)
	require.Error(t, err)
	_, err = ParseModule("cron")
	require.Error(t, err)
}

func TestTriggerStatusEncoding(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0, TriggerWaiting.Int())
	require.Equal(t, 1, TriggerProcessing.Int())
	require.Equal(t, 2, TriggerCompleted.Int())

	for s := range triggerStatusNames {
		decoded, err := TriggerStatusFromInt(s.Int())
		require.NoError(t, err)
		require.Equal(t, s, decoded)

		parsed, err := ParseTriggerStatus(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	_, err := TriggerStatusFromInt(-1)
	require.Error(t, err)
}

func TestTriggerKey(t *testing.T) {
	t.Parallel()
	tr := &Trigger{Org: "o1", Module: ModuleAlert, ModuleKey: "a1", IsRealtime: true}
	require.Equal(t, TriggerKey{Org: "o1", Module: ModuleAlert, ModuleKey: "a1"}, tr.Key())
	require.Equal(t, "alert/o1/a1", tr.Key().String())
	require.True(t, tr.IsRealtimeAlert())

	tr.Module = ModuleReport
	require.False(t, tr.IsRealtimeAlert())
}

func TestMicros(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 123456000)
	m := ToMicros(now)
	require.Equal(t, Micros(1700000000123456), m)
	require.True(t, now.Equal(m.Time()))
	require.Equal(t, m+60_000_000, m.Add(time.Minute))
}
