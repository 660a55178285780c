// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/pixelstat/pkg/discovery"
	"github.com/Thermoquad/pixelstat/pkg/pixelblaze"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	pollInterval    = time.Second
	requestTimeout  = 5 * time.Second
	maxLogEntries   = 100
	deviceListWidth = 30
)

// Focus states
const (
	focusDeviceList = iota
	focusBrightnessInput
	focusButton
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// device is a Pixelblaze in the device list
type device struct {
	id       uint32 // zero for the configured address
	addr     string
	name     string
	lastSeen time.Time
}

// Implement list.Item interface
func (d device) Title() string {
	if d.name != "" {
		return d.name
	}
	return d.addr
}

func (d device) Description() string {
	if d.id == 0 {
		return d.addr + " (configured)"
	}
	return fmt.Sprintf("%s  id %d", d.addr, d.id)
}

func (d device) FilterValue() string { return d.addr }

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// deviceTelemetry is the latest state polled from a device
type deviceTelemetry struct {
	stats      *pixelblaze.Stats
	sequencer  *pixelblaze.Sequencer
	brightness float64
	updated    time.Time
}

// monitorModel is the Bubble Tea model for the monitor TUI
type monitorModel struct {
	sm *sessionManager

	// Device tracking
	configured string
	devices    []device
	names      map[string]string
	deviceList list.Model

	// Selected device
	connected   string
	connecting  bool
	polling     bool
	failing     bool
	telemetry   map[string]*deviceTelemetry
	discoveryUp bool

	// Control
	brightnessInput textinput.Model
	focusedField    int

	// UI state
	log      []logEntry
	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type monitorTickMsg time.Time

type beaconBatchMsg struct {
	devices []discovery.Device
}

type discoveryStoppedMsg struct{}

type sessionOpenedMsg struct {
	addr string
	name string
	err  error
}

type telemetryMsg struct {
	addr       string
	stats      *pixelblaze.Stats
	sequencer  *pixelblaze.Sequencer
	brightness float64
	err        error
}

type commandResultMsg struct {
	description string
	err         error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialMonitorModel(sm *sessionManager, configured string) monitorModel {
	ti := textinput.New()
	ti.Placeholder = "50"
	ti.CharLimit = 3
	ti.Width = 5

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	deviceList := list.New([]list.Item{}, delegate, deviceListWidth, 10)
	deviceList.Title = "Devices"
	deviceList.SetShowStatusBar(false)
	deviceList.SetShowHelp(false)
	deviceList.SetFilteringEnabled(false)

	m := monitorModel{
		sm:              sm,
		configured:      configured,
		names:           make(map[string]string),
		deviceList:      deviceList,
		telemetry:       make(map[string]*deviceTelemetry),
		discoveryUp:     sm != nil && sm.listener != nil,
		brightnessInput: ti,
		focusedField:    focusDeviceList,
		width:           80,
		height:          24,
	}
	m.refreshDevices()
	if m.discoveryUp {
		m.addLogEntry("Listening for beacons", false)
	}
	return m
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return monitorTickCmd()
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case monitorTickMsg:
		m.refreshDevices()
		cmds = append(cmds, monitorTickCmd())
		if m.connected != "" && !m.polling {
			m.polling = true
			cmds = append(cmds, m.pollCmd(m.connected))
		}
		return m, tea.Batch(cmds...)

	case beaconBatchMsg:
		for _, d := range msg.devices {
			if !m.known(d.IP()) {
				m.addLogEntry(fmt.Sprintf("Device discovered: %s (id %d)", d.IP(), d.ID), false)
			}
		}
		m.refreshDevices()

	case discoveryStoppedMsg:
		m.discoveryUp = false
		m.addLogEntry("Discovery stopped", true)

	case sessionOpenedMsg:
		m.connecting = false
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connect %s: %v", msg.addr, msg.err), true)
			return m, nil
		}
		m.connected = msg.addr
		m.failing = false
		if msg.name != "" {
			m.names[msg.addr] = msg.name
			m.refreshDevices()
		}
		m.addLogEntry(fmt.Sprintf("Connected to %s", msg.addr), false)
		m.polling = true
		return m, m.pollCmd(msg.addr)

	case telemetryMsg:
		m.polling = false
		if msg.err != nil {
			if !m.failing {
				m.addLogEntry(fmt.Sprintf("%s: %v - reconnecting...", msg.addr, msg.err), true)
			}
			m.failing = true
			return m, nil
		}
		if m.failing {
			m.addLogEntry(fmt.Sprintf("%s: reconnected", msg.addr), false)
			m.failing = false
		}
		m.telemetry[msg.addr] = &deviceTelemetry{
			stats:      msg.stats,
			sequencer:  msg.sequencer,
			brightness: msg.brightness,
			updated:    time.Now(),
		}

	case commandResultMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("%s failed: %v", msg.description, msg.err), true)
		} else {
			m.addLogEntry(msg.description, false)
		}
	}

	// Update child components
	var cmd tea.Cmd
	if m.focusedField == focusBrightnessInput {
		m.brightnessInput, cmd = m.brightnessInput.Update(msg)
		cmds = append(cmds, cmd)
	}
	if m.focusedField == focusDeviceList {
		m.deviceList, cmd = m.deviceList.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focusedField != focusBrightnessInput {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab":
		return m.cycleFocus(1), nil

	case "shift+tab":
		return m.cycleFocus(-1), nil

	case "enter":
		return m.handleEnter()

	case "n":
		if m.focusedField != focusBrightnessInput && m.connected != "" {
			return m, m.nextPatternCmd(m.connected)
		}
	}

	var cmd tea.Cmd
	switch m.focusedField {
	case focusBrightnessInput:
		m.brightnessInput, cmd = m.brightnessInput.Update(msg)
	case focusDeviceList:
		m.deviceList, cmd = m.deviceList.Update(msg)
	}
	return m, cmd
}

func (m monitorModel) cycleFocus(delta int) monitorModel {
	if m.connected == "" {
		m.focusedField = focusDeviceList
		return m
	}

	maxFocus := focusButton
	m.focusedField = (m.focusedField + delta + maxFocus + 1) % (maxFocus + 1)

	if m.focusedField == focusBrightnessInput {
		m.brightnessInput.Focus()
	} else {
		m.brightnessInput.Blur()
	}
	return m
}

func (m monitorModel) handleEnter() (tea.Model, tea.Cmd) {
	switch m.focusedField {
	case focusDeviceList:
		selected := m.selectedDevice()
		if selected == nil || m.connecting || selected.addr == m.connected {
			return m, nil
		}
		if m.connected != "" {
			m.sm.drop(m.connected)
		}
		m.connected = ""
		m.connecting = true
		m.addLogEntry(fmt.Sprintf("Connecting to %s", selected.addr), false)
		return m, m.openCmd(selected.addr)

	case focusBrightnessInput:
		if m.connected == "" {
			return m, nil
		}
		value := m.brightnessInput.Value()
		if value == "" {
			value = m.brightnessInput.Placeholder
		}
		percent, err := strconv.Atoi(value)
		if err != nil || percent < 0 || percent > 100 {
			m.addLogEntry(fmt.Sprintf("Brightness must be 0 to 100, got %q", value), true)
			return m, nil
		}
		return m, m.brightnessCmd(m.connected, percent)

	case focusButton:
		if m.connected == "" {
			return m, nil
		}
		return m, m.nextPatternCmd(m.connected)
	}
	return m, nil
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

func (m monitorModel) openCmd(addr string) tea.Cmd {
	sm := m.sm
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(sm.ctx, requestTimeout)
		defer cancel()
		s, err := sm.session(ctx, addr)
		if err != nil {
			return sessionOpenedMsg{addr: addr, err: err}
		}
		config, err := s.ConfigSettings(ctx)
		if err != nil {
			return sessionOpenedMsg{addr: addr}
		}
		return sessionOpenedMsg{addr: addr, name: config.String("name")}
	}
}

func (m monitorModel) pollCmd(addr string) tea.Cmd {
	sm := m.sm
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(sm.ctx, requestTimeout)
		defer cancel()
		s, err := sm.session(ctx, addr)
		if err != nil {
			return telemetryMsg{addr: addr, err: err}
		}

		msg := telemetryMsg{addr: addr}
		if msg.stats, err = s.Statistics(ctx); err != nil {
			msg.err = err
			return msg
		}
		if msg.sequencer, err = s.ConfigSequencer(ctx); err != nil {
			msg.err = err
			return msg
		}
		if msg.brightness, err = s.Brightness(ctx); err != nil {
			msg.err = err
		}
		return msg
	}
}

func (m monitorModel) brightnessCmd(addr string, percent int) tea.Cmd {
	sm := m.sm
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(sm.ctx, requestTimeout)
		defer cancel()
		description := fmt.Sprintf("Set brightness of %s to %d%%", addr, percent)
		s, err := sm.session(ctx, addr)
		if err == nil {
			err = s.SetBrightnessSlider(ctx, float64(percent)/100, false)
		}
		return commandResultMsg{description: description, err: err}
	}
}

func (m monitorModel) nextPatternCmd(addr string) tea.Cmd {
	sm := m.sm
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(sm.ctx, requestTimeout)
		defer cancel()
		description := fmt.Sprintf("Skipped to the next pattern on %s", addr)
		s, err := sm.session(ctx, addr)
		if err == nil {
			err = s.NextSequencer(ctx, false)
		}
		return commandResultMsg{description: description, err: err}
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	focusedBoxStyle = boxStyle.
			BorderForeground(lipgloss.Color("12"))

	buttonStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("12")).
			Padding(0, 2)

	focusedButtonStyle = buttonStyle.
				Background(lipgloss.Color("10"))
)

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Header
	helpText := "q=quit Enter=connect"
	if m.connected != "" {
		helpText = "q=quit Tab=switch n=next pattern"
	}
	discoveryStatus := "discovery on"
	if !m.discoveryUp {
		discoveryStatus = warningStyle.Render("discovery off")
	} else if m.sm.listener.TimeSyncEnabled() {
		discoveryStatus = "discovery on, time source"
	}
	s.WriteString(titleStyle.Render("PIXELSTAT MONITOR"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s", discoveryStatus, helpText)))
	s.WriteString("\n\n")

	// Layout: left panel (devices) | right panel (selected device)
	rightWidth := max(m.width-deviceListWidth-6, 20)

	listStyle := boxStyle.Width(deviceListWidth)
	if m.focusedField == focusDeviceList {
		listStyle = focusedBoxStyle.Width(deviceListWidth)
	}
	devicePanel := listStyle.Render(m.deviceList.View())
	controlPanel := boxStyle.Width(rightWidth).Render(m.renderControlPanel())

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, devicePanel, " ", controlPanel))
	s.WriteString("\n\n")

	if m.connected != "" {
		s.WriteString(m.renderStatistics())
		s.WriteString("\n\n")
	}

	s.WriteString(m.renderEventLog())
	return s.String()
}

func (m monitorModel) renderControlPanel() string {
	var s strings.Builder

	if m.connecting {
		return warningStyle.Render("Connecting...")
	}
	if m.connected == "" {
		if len(m.devices) == 0 {
			return headerStyle.Render("Waiting for devices...")
		}
		return headerStyle.Render("Select a device and press Enter")
	}

	name := m.names[m.connected]
	if name == "" {
		name = m.connected
	}
	s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Device:"), name))
	if m.failing {
		s.WriteString(warningStyle.Render("RECONNECTING..."))
		s.WriteString("\n")
	}

	telem := m.telemetry[m.connected]
	if telem != nil && telem.sequencer != nil {
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Pattern:"),
			valueStyle.Render(telem.sequencer.ActiveProgram.Name)))
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Sequencer:"),
			valueStyle.Render(telem.sequencer.SequencerMode.String())))
	}
	if telem != nil {
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Brightness:"),
			valueStyle.Render(fmt.Sprintf("%.0f%%", telem.brightness*100))))
	}
	s.WriteString("\n")

	s.WriteString(labelStyle.Render("Set brightness: "))
	if m.focusedField == focusBrightnessInput {
		s.WriteString(m.brightnessInput.View())
	} else {
		val := m.brightnessInput.Value()
		if val == "" {
			val = m.brightnessInput.Placeholder
		}
		s.WriteString(fmt.Sprintf("[%s]", val))
	}
	s.WriteString("\n\n")

	btnText := "[ Next Pattern ]"
	if m.focusedField == focusButton {
		s.WriteString(focusedButtonStyle.Render(btnText))
	} else {
		s.WriteString(buttonStyle.Render(btnText))
	}
	return s.String()
}

func (m monitorModel) renderStatistics() string {
	var content strings.Builder
	content.WriteString(labelStyle.Render("STATISTICS"))
	content.WriteString(" | ")

	telem := m.telemetry[m.connected]
	if telem == nil || telem.stats == nil {
		content.WriteString("No statistics yet")
		return boxStyle.Width(m.width - 4).Render(content.String())
	}
	stats := telem.stats

	content.WriteString(fmt.Sprintf("%s %s  ", labelStyle.Render("FPS:"),
		valueStyle.Render(fmt.Sprintf("%.1f", stats.FPS))))
	content.WriteString(fmt.Sprintf("%s %s  ", labelStyle.Render("Mem:"),
		valueStyle.Render(fmt.Sprintf("%d", stats.Mem))))
	if stats.StorageSize > 0 {
		content.WriteString(fmt.Sprintf("%s %s  ", labelStyle.Render("Storage:"),
			valueStyle.Render(fmt.Sprintf("%.0f%%", float64(stats.StorageUsed)*100/float64(stats.StorageSize)))))
	}
	if stats.VMErr != 0 {
		content.WriteString(fmt.Sprintf("%s %s  ", labelStyle.Render("VM error:"),
			errorStyle.Render(fmt.Sprintf("%d at pc %d", stats.VMErr, stats.VMErrPC))))
	}
	content.WriteString("\n")
	content.WriteString(fmt.Sprintf("%s %s",
		labelStyle.Render("Uptime:"),
		valueStyle.Render(formatUptime(uint64(max(stats.Uptime, 0))))))

	return boxStyle.Width(m.width - 4).Render(content.String())
}

func (m monitorModel) renderEventLog() string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	logHeight := min(8, len(m.log))
	startIdx := max(len(m.log)-logHeight, 0)

	if len(m.log) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.log); i++ {
			entry := m.log[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyle
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.log = append(m.log, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.log) > maxLogEntries {
		m.log = m.log[len(m.log)-maxLogEntries:]
	}
}

func (m *monitorModel) known(addr string) bool {
	for _, d := range m.devices {
		if d.addr == addr {
			return true
		}
	}
	return false
}

func (m *monitorModel) selectedDevice() *device {
	idx := m.deviceList.Index()
	if idx < 0 || idx >= len(m.devices) {
		return nil
	}
	return &m.devices[idx]
}

// refreshDevices rebuilds the device list from the discovery registry,
// keeping the configured address first
func (m *monitorModel) refreshDevices() {
	var devices []device
	if m.configured != "" {
		devices = append(devices, device{addr: m.configured, name: m.names[m.configured]})
	}
	var discovered []discovery.Device
	if m.sm != nil {
		discovered = m.sm.devices()
	}
	for _, d := range discovered {
		if d.IP() == m.configured {
			devices[0].id = d.ID
			devices[0].lastSeen = d.LastSeen
			continue
		}
		devices = append(devices, device{
			id:       d.ID,
			addr:     d.IP(),
			name:     m.names[d.IP()],
			lastSeen: d.LastSeen,
		})
	}

	for _, old := range m.devices {
		if old.id != 0 && !containsDevice(devices, old.addr) {
			m.addLogEntry(fmt.Sprintf("Device timed out: %s", old.addr), true)
		}
	}

	m.devices = devices
	items := make([]list.Item, len(devices))
	for i, d := range devices {
		items[i] = d
	}
	m.deviceList.SetItems(items)
}

func containsDevice(devices []device, addr string) bool {
	for _, d := range devices {
		if d.addr == addr {
			return true
		}
	}
	return false
}

func (m *monitorModel) updateListSize() {
	listHeight := max(m.height/3, 5)
	m.deviceList.SetSize(deviceListWidth-2, listHeight)
}

// formatUptime formats uptime in milliseconds to human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n uint64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}
