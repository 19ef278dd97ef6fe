package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ballot-relay/internal/relay"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// finished ballots kept on screen after acknowledgement
const maxFinished = 200

func padToWidth(s string, width int) string {
	current := runewidth.StringWidth(s)
	if current >= width {
		return s
	}
	return s + strings.Repeat(" ", width-current)
}

// truncateToWidth cuts s to at most width display cells, marking the cut with "...".
func truncateToWidth(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

func separatorLine(width int) string {
	if width < 2 {
		return strings.Repeat("─", width)
	}
	return "├" + strings.Repeat("─", width-2) + "┤"
}

func formatInfoLine(text string, width int) string {
	if width < 2 {
		return padToWidth(text, width)
	}
	return "│" + padToWidth(truncateToWidth(text, width-2), width-2) + "│"
}

// Info is static worker information shown in the header
type Info struct {
	ChainBackend string
	RPCURL       string
	Broker       string
	Queue        string
	Store        string
	Concurrency  int
}

// NodeStatus reports chain node reachability
type NodeStatus struct {
	Up bool
	At time.Time
}

// BallotUpdateMsg carries a relay state change
type BallotUpdateMsg struct {
	Update relay.Update
}

type NodeStatusMsg struct {
	Status NodeStatus
}

type InfoMsg struct {
	Info Info
}

type ballotRow struct {
	relay.Update
	started time.Time
}

// Model holds the TUI state
type Model struct {
	info     Info
	node     NodeStatus
	nodeSeen bool
	ballots  map[string]*ballotRow
	outcomes map[string]int
	width    int
	height   int
}

// NewModel creates a new TUI model
func NewModel() Model {
	return Model{
		ballots:  make(map[string]*ballotRow),
		outcomes: make(map[string]int),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case InfoMsg:
		m.info = msg.Info
		return m, nil

	case NodeStatusMsg:
		m.node = msg.Status
		m.nodeSeen = true
		return m, nil

	case BallotUpdateMsg:
		m.apply(msg.Update)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m *Model) apply(u relay.Update) {
	row, ok := m.ballots[u.BallotID]
	if !ok {
		row = &ballotRow{started: u.At}
		m.ballots[u.BallotID] = row
	}
	row.Update = u
	if u.Outcome != "" && u.State == relay.StateAcknowledged {
		m.outcomes[u.Outcome]++
	}
	m.prune()
}

// prune drops the oldest acknowledged ballots beyond maxFinished.
func (m *Model) prune() {
	var finished []*ballotRow
	for _, r := range m.ballots {
		if r.State == relay.StateAcknowledged {
			finished = append(finished, r)
		}
	}
	if len(finished) <= maxFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].At.Before(finished[j].At) })
	for _, r := range finished[:len(finished)-maxFinished] {
		delete(m.ballots, r.BallotID)
	}
}

// rows returns in-flight ballots first, then finished ones, newest first.
func (m Model) rows() []*ballotRow {
	out := make([]*ballotRow, 0, len(m.ballots))
	for _, r := range m.ballots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		ai := out[i].State != relay.StateAcknowledged
		aj := out[j].State != relay.StateAcknowledged
		if ai != aj {
			return ai
		}
		return out[i].At.After(out[j].At)
	})
	return out
}

func (m Model) inFlight() int {
	n := 0
	for _, r := range m.ballots {
		if r.State != relay.StateAcknowledged {
			n++
		}
	}
	return n
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), m.renderBallots())
}

func (m Model) renderHeader() string {
	colWidth := (m.width - 4) / 3
	rightColWidth := m.width - colWidth*2 - 4

	nodeLine := "node: unknown"
	if m.nodeSeen {
		state := "down"
		if m.node.Up {
			state = "up"
		}
		nodeLine = fmt.Sprintf("node: %s since %s", state, m.node.At.Format("15:04:05"))
	}
	leftLines := []string{
		fmt.Sprintf("chain: %s", m.info.ChainBackend),
		fmt.Sprintf("rpc: %s", m.info.RPCURL),
		nodeLine,
	}
	middleLines := []string{
		fmt.Sprintf("broker: %s", m.info.Broker),
		fmt.Sprintf("queue: %s", m.info.Queue),
		fmt.Sprintf("store: %s", m.info.Store),
	}
	rightLines := []string{
		fmt.Sprintf("in flight: %d/%d", m.inFlight(), m.info.Concurrency),
		fmt.Sprintf("complete: %d  error: %d", m.outcomes[relay.OutcomeComplete], m.outcomes[relay.OutcomeError]),
		fmt.Sprintf("dropped: %d  duplicate: %d  requeued: %d",
			m.outcomes[relay.OutcomeDropped], m.outcomes[relay.OutcomeDuplicate], m.outcomes[relay.OutcomeRequeued]),
	}

	var rows []string
	for i := 0; i < len(leftLines); i++ {
		rows = append(rows, fmt.Sprintf("│ %s │ %s │ %s │",
			padToWidth(truncateToWidth(leftLines[i], colWidth-2), colWidth-2),
			padToWidth(truncateToWidth(middleLines[i], colWidth-2), colWidth-2),
			padToWidth(truncateToWidth(rightLines[i], rightColWidth-2), rightColWidth-2)))
	}

	topBorder := fmt.Sprintf("┌%s┬%s┬%s┐",
		strings.Repeat("─", colWidth),
		strings.Repeat("─", colWidth),
		strings.Repeat("─", rightColWidth))
	separator := fmt.Sprintf("├%s┴%s┴%s┤",
		strings.Repeat("─", colWidth),
		strings.Repeat("─", colWidth),
		strings.Repeat("─", rightColWidth))

	return topBorder + "\n" + strings.Join(rows, "\n") + "\n" + separator
}

func stateSymbol(r *ballotRow) string {
	if r.State != relay.StateAcknowledged {
		return "⏳"
	}
	switch r.Outcome {
	case relay.OutcomeComplete:
		return "✅"
	case relay.OutcomeError:
		return "❌"
	default:
		return "➖"
	}
}

func (m Model) renderBallots() string {
	// header block takes 5 lines, footer 3
	maxRows := m.height - 8
	if maxRows <= 0 {
		return ""
	}
	inner := m.width - 2

	var lines []string
	for _, r := range m.rows() {
		if len(lines) == maxRows {
			break
		}
		status := r.State.String()
		if r.State == relay.StateAcknowledged && r.Outcome != "" {
			status = r.Outcome
		}
		detail := r.TxHash
		if r.Err != "" {
			detail = r.Err
		}
		line := fmt.Sprintf("%s %-12s %-14s %-22s %s",
			stateSymbol(r),
			truncateToWidth(r.BallotID, 12),
			truncateToWidth(r.Voter, 14),
			status,
			detail,
		)
		lines = append(lines, formatInfoLine(line, m.width))
	}
	if len(lines) == 0 {
		lines = append(lines, formatInfoLine("waiting for ballots...", m.width))
	}

	bottomBorder := "└" + strings.Repeat("─", inner) + "┘"
	return strings.Join(lines, "\n") + "\n" + separatorLine(m.width) + "\n" +
		formatInfoLine("Status, Ballot, Voter, State, Tx hash / error", m.width) + "\n" + bottomBorder
}

// Run starts the TUI program. It accepts Info, NodeStatus and relay.Update values
// and quits when updateCh is closed.
func Run(updateCh <-chan interface{}) error {
	p := tea.NewProgram(NewModel(), tea.WithAltScreen())

	go func() {
		for data := range updateCh {
			switch v := data.(type) {
			case relay.Update:
				p.Send(BallotUpdateMsg{Update: v})
			case NodeStatus:
				p.Send(NodeStatusMsg{Status: v})
			case Info:
				p.Send(InfoMsg{Info: v})
			}
		}
		p.Quit()
	}()

	_, err := p.Run()
	return err
}
