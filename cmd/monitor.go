// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/pixelstat/pkg/discovery"
	"github.com/Thermoquad/pixelstat/pkg/pixelblaze"
)

var monitorTimeSync bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI for monitoring Pixelblaze devices",
	Long: `Monitor Pixelblaze devices via an interactive terminal UI.

Devices are discovered from their UDP beacons; a device given with --address
is listed even when it does not beacon. Selecting a device with Enter opens a
websocket session to it and polls its statistics every second.

Features:
  - Live device list from discovery beacons
  - Frame rate, memory, storage and uptime of the selected device
  - Active pattern and brightness
  - Brightness control and pattern skipping
  - Event logging
  - Automatic reconnection on connection loss

Tab switches between the device list, the brightness input and the
next pattern button. Arrow keys navigate the device list.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorTimeSync, "timesync", false, "Act as time source for the devices")
}

// sessionManager owns the discovery listener and one session per device
type sessionManager struct {
	ctx      context.Context
	listener *discovery.Listener
	opts     []pixelblaze.Option
	mu       sync.Mutex
	sessions map[string]*pixelblaze.Session
	p        *tea.Program
	done     chan struct{}
}

func newSessionManager(ctx context.Context, listener *discovery.Listener, opts []pixelblaze.Option) *sessionManager {
	return &sessionManager{
		ctx:      ctx,
		listener: listener,
		opts:     opts,
		sessions: make(map[string]*pixelblaze.Session),
		done:     make(chan struct{}),
	}
}

// session returns the open session for addr, connecting on first use
func (sm *sessionManager) session(ctx context.Context, addr string) (*pixelblaze.Session, error) {
	sm.mu.Lock()
	s, ok := sm.sessions[addr]
	sm.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := pixelblaze.Open(ctx, addr, sm.opts...)
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if existing, ok := sm.sessions[addr]; ok {
		s.Close()
		return existing, nil
	}
	sm.sessions[addr] = s
	return s, nil
}

// drop closes and forgets the session for addr
func (sm *sessionManager) drop(addr string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[addr]; ok {
		s.Close()
		delete(sm.sessions, addr)
	}
}

// devices returns the live devices sorted by address
func (sm *sessionManager) devices() []discovery.Device {
	if sm.listener == nil {
		return nil
	}
	devices := sm.listener.Devices()
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].IP() < devices[j].IP()
	})
	return devices
}

func (sm *sessionManager) close() {
	close(sm.done)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for addr, s := range sm.sessions {
		s.Close()
		delete(sm.sessions, addr)
	}
	if sm.listener != nil {
		sm.listener.Close()
	}
}

// beaconLoop forwards discovery events to the TUI in batches
func (sm *sessionManager) beaconLoop() {
	if sm.listener == nil {
		return
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var batch beaconBatchMsg
	for {
		select {
		case <-sm.done:
			return
		case d, ok := <-sm.listener.Events():
			if !ok {
				sm.p.Send(discoveryStoppedMsg{})
				return
			}
			batch.devices = append(batch.devices, d)
		case <-ticker.C:
			if len(batch.devices) > 0 {
				sm.p.Send(batch)
				batch = beaconBatchMsg{}
			}
		}
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// Resolve credentials before the TUI takes over the terminal
	opts, err := sessionOptions(nil)
	if err != nil {
		return err
	}

	listener, err := discovery.Listen(ctx, append(discoveryOptions(), discovery.WithTimeSync(monitorTimeSync))...)
	if err != nil {
		if settings.Address == "" {
			fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
			os.Exit(2)
		}
		logger.Warn().Err(err).Msg("discovery unavailable, monitoring the configured address only")
		listener = nil
	}

	sm := newSessionManager(ctx, listener, opts)
	m := initialMonitorModel(sm, settings.Address)

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	sm.p = p

	go sm.beaconLoop()

	_, err = p.Run()
	sm.close()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}
