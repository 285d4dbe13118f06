package sandbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallerStatusAndInstall(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "packages")
	inst := NewInstaller(root)

	st := inst.Status()
	assert.False(t, st.Ready)
	require.Len(t, st.Components, len(defaultComponents))

	require.NoError(t, inst.Install(context.Background()))
	st = inst.Status()
	assert.True(t, st.Ready)
	for _, c := range st.Components {
		assert.True(t, c.Installed, c.Name)
	}
}

func TestInstallerEventStream(t *testing.T) {
	t.Parallel()

	inst := NewInstaller(filepath.Join(t.TempDir(), "packages"))
	events, cancel := inst.Subscribe()
	defer cancel()

	require.NoError(t, inst.Install(context.Background()))

	var types []EventType
	for len(types) == 0 || types[len(types)-1] != EventComplete {
		ev, ok := <-events
		require.True(t, ok, "event channel closed before complete")
		types = append(types, ev.Type)
	}

	assert.Equal(t, EventStart, types[0])
	assert.Equal(t, EventComplete, types[len(types)-1])
	// One start/done pair per component.
	starts := 0
	for _, tp := range types {
		if tp == EventComponentStart {
			starts++
		}
	}
	assert.Equal(t, len(defaultComponents), starts)
}

func TestInstallSkipsPresentComponentsUnlessRepair(t *testing.T) {
	t.Parallel()

	inst := NewInstaller(filepath.Join(t.TempDir(), "packages"))
	require.NoError(t, inst.Install(context.Background()))

	events, cancel := inst.Subscribe()
	defer cancel()

	// A second install has nothing to do.
	require.NoError(t, inst.Install(context.Background()))
	drainUntilComplete(t, events)

	// Repair reinstalls everything.
	require.NoError(t, inst.Repair(context.Background()))
	starts := 0
	for {
		ev, ok := <-events
		require.True(t, ok)
		if ev.Type == EventComponentStart {
			starts++
		}
		if ev.Type == EventComplete {
			break
		}
	}
	assert.Equal(t, len(defaultComponents), starts)
}

func drainUntilComplete(t *testing.T, events <-chan Event) {
	t.Helper()
	for {
		ev, ok := <-events
		require.True(t, ok)
		if ev.Type == EventComponentStart {
			t.Fatal("unexpected component reinstall")
		}
		if ev.Type == EventComplete {
			return
		}
	}
}

func TestCleanupRemovesRoot(t *testing.T) {
	t.Parallel()

	inst := NewInstaller(filepath.Join(t.TempDir(), "packages"))
	require.NoError(t, inst.Install(context.Background()))
	require.NoError(t, inst.Cleanup())
	assert.False(t, inst.Status().Ready)
}
