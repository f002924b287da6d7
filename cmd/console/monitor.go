// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"portico/internal/broker"
	"portico/internal/client"
)

type tickMsg time.Time

type snapshotMsg struct {
	stats   *broker.Stats
	clients []client.Info
	err     error
	at      time.Time
}

// MonitorModel polls the admin API and shows live broker stats
type MonitorModel struct {
	api      *APIClient
	interval time.Duration

	stats    *broker.Stats
	previous *broker.Stats
	clients  []client.Info
	err      error
	updated  time.Time
	elapsed  time.Duration

	showClients bool
	width       int
	height      int
	quitting    bool
}

// NewMonitorModel creates a monitor polling every interval
func NewMonitorModel(api *APIClient, interval time.Duration) MonitorModel {
	return MonitorModel{
		api:      api,
		interval: interval,
	}
}

func (m MonitorModel) Init() tea.Cmd {
	return m.poll()
}

func (m MonitorModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m MonitorModel) poll() tea.Cmd {
	api := m.api
	timeout := m.interval
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		stats, err := api.Stats(ctx)
		if err != nil {
			return snapshotMsg{err: err, at: time.Now()}
		}
		clients, err := api.Clients(ctx, "")
		return snapshotMsg{stats: stats, clients: clients, err: err, at: time.Now()}
	}
}

func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "c":
			m.showClients = !m.showClients
			return m, nil
		case "r":
			return m, m.poll()
		}

	case tickMsg:
		return m, m.poll()

	case snapshotMsg:
		m.err = msg.err
		if msg.stats != nil {
			if !m.updated.IsZero() {
				m.elapsed = msg.at.Sub(m.updated)
			}
			m.previous = m.stats
			m.stats = msg.stats
			m.clients = msg.clients
			m.updated = msg.at
		}
		return m, m.tick()
	}

	return m, nil
}

// rate returns the per-second increase of a counter since the previous poll
func (m MonitorModel) rate(counter func(*broker.Stats) int64) string {
	if m.previous == nil || m.elapsed <= 0 {
		return ""
	}
	delta := counter(m.stats) - counter(m.previous)
	return fmt.Sprintf(" (%.1f/s)", float64(delta)/m.elapsed.Seconds())
}

func (m MonitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Portico Monitor"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("✗ " + m.err.Error()))
		b.WriteString("\n\n")
	}

	if m.stats == nil {
		b.WriteString(helpStyle.Render("Waiting for broker stats..."))
		b.WriteString("\n")
		return b.String()
	}

	s := m.stats
	row := func(label, value string) string {
		return labelStyle.Render(label) + valueStyle.Render(value)
	}

	runlevel := successStyle.Render("dispatching")
	if s.Runlevel < broker.RunlevelDispatch {
		runlevel = warnStyle.Render(fmt.Sprintf("starting (runlevel %d)", s.Runlevel))
	}

	state := boxStyle.Render(strings.Join([]string{
		subtitleStyle.Render("Broker"),
		labelStyle.Render("State") + runlevel,
		row("Uptime", s.Uptime),
		row("Clients", fmt.Sprintf("%d", s.Clients)),
		row("Topic subscriptions", fmt.Sprintf("%d", s.TopicSubscriptions)),
		row("Intent subscriptions", fmt.Sprintf("%d", s.IntentSubscriptions)),
		row("Retained", fmt.Sprintf("%d messages, %d intents", s.RetainedMessages, s.RetainedIntents)),
		row("Queued", fmt.Sprintf("%d", s.Queued)),
	}, "\n"))

	traffic := boxStyle.Render(strings.Join([]string{
		subtitleStyle.Render("Traffic"),
		row("Connects", fmt.Sprintf("%d", s.Connects)),
		row("Rejects", fmt.Sprintf("%d", s.Rejects)),
		row("Messages", fmt.Sprintf("%d%s", s.Messages, m.rate(func(s *broker.Stats) int64 { return s.Messages }))),
		row("Intents", fmt.Sprintf("%d%s", s.Intents, m.rate(func(s *broker.Stats) int64 { return s.Intents }))),
		row("Deliveries", fmt.Sprintf("%d%s", s.Deliveries, m.rate(func(s *broker.Stats) int64 { return s.Deliveries }))),
		row("Delivery failures", fmt.Sprintf("%d", s.DeliveryFailures)),
		row("Error acks", fmt.Sprintf("%d", s.ErrorAcks)),
		row("Evictions", fmt.Sprintf("%d", s.Evictions)),
	}, "\n"))

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, state, " ", traffic))
	b.WriteString("\n\n")

	if m.showClients {
		b.WriteString(RenderClients(m.clients, m.updated))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render(fmt.Sprintf("Updated %s • c: toggle clients • r: refresh • q: quit",
		m.updated.Format("15:04:05"))))
	b.WriteString("\n")
	return b.String()
}

// StartMonitor runs the monitor until the user quits
func StartMonitor(api *APIClient, interval time.Duration) error {
	p := tea.NewProgram(NewMonitorModel(api, interval), tea.WithAltScreen())

	defer func() {
		if r := recover(); r != nil {
			p.Kill()
		}
	}()

	_, err := p.Run()
	return err
}
