package link

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine("Module01")
	assert.Equal(t, StatusDisconnected, m.Current().Status)
	assert.False(t, m.Connected())

	require.NoError(t, m.MarkReachable())
	assert.Equal(t, StatusReachable, m.Current().Status)
	assert.False(t, m.Connected())

	require.NoError(t, m.MarkConnected())
	assert.True(t, m.Connected())

	require.NoError(t, m.Disconnect())
	assert.Equal(t, State{Status: StatusDisconnected}, m.Current())
}

func TestMachine_InvalidTransitions(t *testing.T) {
	var m Machine

	err := m.MarkConnected()
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusDisconnected, te.From)
	assert.Equal(t, StatusConnected, te.To)
	assert.EqualError(t, err, "invalid transition Disconnected -> Connected")

	assert.Error(t, m.Reset(), "reset only leaves Failed")

	require.NoError(t, m.MarkReachable())
	assert.Error(t, m.MarkReachable())
	require.NoError(t, m.MarkConnected())
	assert.Error(t, m.MarkReachable())
}

func TestMachine_DisconnectFromReachableAndIdle(t *testing.T) {
	var m Machine
	require.NoError(t, m.Disconnect(), "disconnect while idle is a no-op")

	require.NoError(t, m.MarkReachable())
	require.NoError(t, m.Disconnect())
	assert.Equal(t, StatusDisconnected, m.Current().Status)
}

func TestMachine_FailFromAnyState(t *testing.T) {
	boom := errors.New("connection reset")

	setups := map[string]func(m *Machine){
		"disconnected": func(m *Machine) {},
		"reachable":    func(m *Machine) { m.MarkReachable() },
		"connected":    func(m *Machine) { m.MarkReachable(); m.MarkConnected() },
		"failed":       func(m *Machine) { m.Fail(errors.New("first")) },
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			var m Machine
			setup(&m)
			m.Fail(boom)

			st := m.Current()
			assert.Equal(t, StatusFailed, st.Status)
			assert.ErrorIs(t, st.Reason, boom)
			assert.False(t, m.Connected())
			assert.Equal(t, "Failed(connection reset)", st.String())
		})
	}
}

func TestMachine_FailedRequiresReset(t *testing.T) {
	var m Machine
	m.Fail(nil)
	assert.ErrorIs(t, m.Current().Reason, ErrUnspecified)

	assert.Error(t, m.Disconnect())
	assert.Error(t, m.MarkReachable())

	require.NoError(t, m.Reset())
	assert.Equal(t, State{Status: StatusDisconnected}, m.Current())
	require.NoError(t, m.MarkReachable())
}

func TestMachine_Listeners(t *testing.T) {
	var m Machine
	var seen []string

	id := m.OnChange(func(from, to State) {
		// The lock is released before listeners run.
		assert.Equal(t, to, m.Current())
		seen = append(seen, from.String()+">"+to.String())
	})
	m.OnChange(func(from, to State) {
		seen = append(seen, "second")
	})

	require.NoError(t, m.MarkReachable())
	m.RemoveListener(id)
	require.NoError(t, m.MarkConnected())
	m.RemoveListener(ListenerID(999))

	assert.Equal(t, []string{"Disconnected>Reachable", "second", "second"}, seen)

	// Rejected transitions do not notify.
	seen = nil
	_ = m.MarkReachable()
	assert.Empty(t, seen)
}

func TestMachine_Concurrent(t *testing.T) {
	var m Machine
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Fail(errors.New("x"))
			m.Reset()
		}()
		go func() {
			defer wg.Done()
			_ = m.Current()
			_ = m.Connected()
		}()
	}
	wg.Wait()
	assert.Contains(t, []Status{StatusDisconnected, StatusFailed}, m.Current().Status)
}
