package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/zhubert/pfman/session"
	"github.com/zhubert/pfman/supervisor"
)

// Color palette
var (
	colorRunning = lipgloss.Color("76")  // green
	colorPending = lipgloss.Color("214") // orange
	colorCrashed = lipgloss.Color("196") // bright red
	colorMuted   = lipgloss.Color("242") // gray
	colorAccent  = lipgloss.Color("39")  // blue
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	markerStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Width(11)
)

func stateStyle(state session.State) lipgloss.Style {
	s := lipgloss.NewStyle()
	switch state {
	case session.StateRunning:
		return s.Foreground(colorRunning)
	case session.StateStarting, session.StateStopping, session.StateUnknown:
		return s.Foreground(colorPending)
	case session.StateCrashed:
		return s.Foreground(colorCrashed).Bold(true)
	default:
		return s.Foreground(colorMuted)
	}
}

// stateLabel renders the state, flagging sessions that are not where the
// user left them.
func stateLabel(v supervisor.View) string {
	label := string(v.Status.State)
	if label == "" {
		label = string(session.StateStopped)
	}
	if v.Drifted() && v.Status.State != session.StateCrashed {
		label += fmt.Sprintf(" (want %s)", v.Session.DesiredState)
	}
	return label
}

func uptimeLabel(st session.RuntimeStatus, now time.Time) string {
	if d := st.Uptime(now); d > 0 {
		return session.FormatUptime(d)
	}
	if st.LastExit != nil {
		return session.FormatAgo(now, st.LastExit.At)
	}
	return "-"
}

// renderTable renders the session list.
func renderTable(views []supervisor.View) string {
	if len(views) == 0 {
		return mutedStyle.Render(`No sessions. Create one with "pfman add".`)
	}
	now := time.Now()
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.Session.Name,
			v.Session.Kind.Label(),
			v.Session.Target(),
			v.Session.PortMapping(),
			stateLabel(v),
			uptimeLabel(v.Status, now),
			v.Status.Error,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("NAME", "KIND", "TARGET", "PORTS", "STATUS", "UPTIME", "LAST ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 4:
				return stateStyle(views[row].Status.State).Padding(0, 1)
			case col == 6:
				return mutedStyle.Padding(0, 1)
			default:
				return cellStyle
			}
		})
	return t.Render()
}

// renderDetail renders one session for "pfman status SESSION".
func renderDetail(v supervisor.View, now time.Time) string {
	var b strings.Builder
	field := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(label+":"), value)
	}

	st := v.Status
	state := stateStyle(st.State).Render(stateLabel(v))
	if st.State.HasProcess() {
		state += mutedStyle.Render(fmt.Sprintf(" pid %d", st.PID))
	}

	field("Name", v.Session.Name)
	field("ID", v.Session.ID)
	field("Kind", v.Session.Kind.Label())
	field("Target", v.Session.Target())
	field("Ports", v.Session.PortMapping())
	field("Desired", string(v.Session.DesiredState))
	field("State", state)
	if d := st.Uptime(now); d > 0 {
		field("Uptime", session.FormatUptime(d))
	}
	if st.LastExit != nil {
		field("Last exit", fmt.Sprintf("%s, %s", st.LastExit.String(), session.FormatAgo(now, st.LastExit.At)))
	}
	field("Error", st.Error)
	if v.Session.Retry.Enabled {
		field("Retry", "enabled")
	}
	field("Created", v.Session.CreatedAt.Local().Format(time.DateTime))
	return b.String()
}
