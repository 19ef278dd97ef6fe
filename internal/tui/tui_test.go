package tui

import (
	"strings"
	"testing"
	"time"

	"ballot-relay/internal/relay"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func send(m tea.Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		m, _ = m.Update(msg)
	}
	return m.(Model)
}

func TestViewBeforeResize(t *testing.T) {
	assert.Equal(t, "Loading...", NewModel().View())
}

func TestBallotLifecycleIsRendered(t *testing.T) {
	now := time.Now()
	m := send(NewModel(),
		tea.WindowSizeMsg{Width: 120, Height: 30},
		InfoMsg{Info: Info{ChainBackend: "evm", Broker: "amqp://localhost", Queue: "ballots", Concurrency: 2}},
		NodeStatusMsg{Status: NodeStatus{Up: true, At: now}},
		BallotUpdateMsg{Update: relay.Update{BallotID: "b1", Voter: "0xAA", State: relay.StateFunding, At: now}},
		BallotUpdateMsg{Update: relay.Update{BallotID: "b2", Voter: "0xBB", State: relay.StateSubmitting, At: now}},
	)

	view := m.View()
	assert.Contains(t, view, "funding")
	assert.Contains(t, view, "in flight: 2/2")
	assert.Contains(t, view, "node: up")

	m = send(m, BallotUpdateMsg{Update: relay.Update{
		BallotID: "b1", Voter: "0xAA", State: relay.StateAcknowledged,
		Outcome: relay.OutcomeComplete, TxHash: "0xTX1", At: now.Add(time.Second),
	}})
	view = m.View()
	assert.Contains(t, view, "0xTX1")
	assert.Contains(t, view, "complete: 1")
	assert.Contains(t, view, "in flight: 1/2")

	for _, line := range strings.Split(view, "\n") {
		assert.LessOrEqual(t, runewidth.StringWidth(line), 120, line)
	}
}

func TestFinishedBallotsArePruned(t *testing.T) {
	m := NewModel()
	base := time.Now()
	for i := 0; i < maxFinished+10; i++ {
		m.apply(relay.Update{
			BallotID: strings.Repeat("x", i+1),
			State:    relay.StateAcknowledged,
			Outcome:  relay.OutcomeComplete,
			At:       base.Add(time.Duration(i) * time.Millisecond),
		})
	}
	assert.Len(t, m.ballots, maxFinished)
	_, oldest := m.ballots["x"]
	assert.False(t, oldest)
	assert.Equal(t, maxFinished+10, m.outcomes[relay.OutcomeComplete])
}

func TestQuitKeys(t *testing.T) {
	_, cmd := NewModel().Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestTruncateToWidth(t *testing.T) {
	assert.Equal(t, "abc", truncateToWidth("abc", 5))
	assert.Equal(t, "ab...", truncateToWidth("abcdefgh", 5))
	assert.Equal(t, "│ab  │", formatInfoLine("ab", 6))
}
