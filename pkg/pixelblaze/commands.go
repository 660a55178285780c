// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrPatternNotFound = errors.New("pattern not found")
	ErrUnsupported     = errors.New("not supported by this firmware")
	ErrInvalidSetting  = errors.New("invalid setting")
)

// Timeouts derived from the session receive timeout
const (
	previewFrameFactor = 2
	patternListFactor  = 3
	statsFactor        = 3
	configAttempts     = 3
)

// settingsKey marks the settings document among text replies
const settingsKey = "name"

// Firmware update polling
const (
	updateCheckInterval = 15 * time.Minute
	updatePollInterval  = 500 * time.Millisecond
)

// command sends a command that has no reply
func (s *Session) command(ctx context.Context, cmd Command) error {
	_, err := s.SendJSON(ctx, cmd, NoReply)
	return err
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func clamp[T int | float64](v, lo, hi T) T {
	return max(lo, min(v, hi))
}

// ============================================================
// Connection and statistics
// ============================================================

// Ping sends a ping and waits for the acknowledgement
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.SendJSON(ctx, Command{"ping": true}, ExpectKey("ack"))
	return err
}

// SetSendPreviewFrames starts or stops the stream of preview frames and
// statistics messages
func (s *Session) SetSendPreviewFrames(ctx context.Context, enable bool) error {
	expect := NoReply
	if enable {
		expect = ExpectBinary(MsgPreviewFrame)
	}
	_, err := s.SendJSON(ctx, Command{"sendUpdates": enable}, expect)
	if errors.Is(err, ErrNoResponse) {
		return nil
	}
	return err
}

// Statistics enables updates and returns the latest statistics message
func (s *Session) Statistics(ctx context.Context) (*Stats, error) {
	if err := s.SetSendPreviewFrames(ctx, true); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.do(ctx, func() ([]byte, error) {
		if stats := s.cache.getStats(); stats != nil {
			return stats, nil
		}
		return s.receive(ctx, want{kind: wantStats}, time.Now().Add(statsFactor*s.cfg.timeout))
	})
	if err != nil {
		return nil, err
	}
	return decode[Stats](data)
}

// LatestStats returns the most recent statistics message without asking
// the device, or nil when none has arrived since connecting
func (s *Session) LatestStats() *Stats {
	data := s.cache.getStats()
	if data == nil {
		return nil
	}
	stats, err := decode[Stats](data)
	if err != nil {
		return nil
	}
	return stats
}

// PreviewFrame waits for the next preview frame: one RGB triple per pixel
func (s *Session) PreviewFrame(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.do(ctx, func() ([]byte, error) {
		return s.receive(ctx, want{kind: wantBinary, binary: MsgPreviewFrame},
			time.Now().Add(previewFrameFactor*s.cfg.timeout))
	})
}

// ============================================================
// Configuration snapshots
// ============================================================

// ConfigSettings asks for the configuration. The device answers with the
// settings document, followed by the sequencer state and, when an output
// expander is configured, the expander configuration; both are cached.
func (s *Session) ConfigSettings(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configSettings(ctx)
}

// configSettings must be called with mu held
func (s *Session) configSettings(ctx context.Context) (settings Settings, err error) {
	ctx, finish := s.instrument(ctx, "pixelblaze.ConfigSettings", "getConfig")
	defer finish(&err)

	payload, err := Command{"getConfig": true}.Marshal()
	if err != nil {
		return nil, err
	}

	data, err := s.do(ctx, func() ([]byte, error) {
		s.cache.clearConfig()

		var data []byte
		for attempt := 1; ; attempt++ {
			if err := s.write(websocket.TextMessage, payload); err != nil {
				return nil, err
			}
			s.cfg.metrics.RecordFrameSent("text")

			var err error
			data, err = s.receive(ctx, want{kind: wantText}, time.Now().Add(s.cfg.timeout))
			if err == nil && hasKey(data, settingsKey) {
				break
			}
			if err == nil {
				s.logger.Debug().Bytes("reply", data).Msg("getConfig answered with something other than settings")
				err = fmt.Errorf("%w: no settings in reply to getConfig", ErrNoResponse)
			}
			if !errors.Is(err, ErrNoResponse) || attempt == configAttempts {
				return nil, err
			}
		}

		// The remaining messages arrive in any order
		for s.cache.getSequencer() == nil || s.cache.getExpander() == nil {
			_, err := s.receive(ctx, want{kind: wantConfig}, time.Now().Add(s.cfg.timeout))
			if errors.Is(err, ErrNoResponse) {
				break
			}
			if err != nil {
				return nil, err
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if v := settings.String("ver"); v != "" {
		s.cache.setVersion(v)
	}
	return settings, nil
}

// ConfigSequencer fetches fresh sequencer state
func (s *Session) ConfigSequencer(ctx context.Context) (*Sequencer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configSequencer(ctx)
}

func (s *Session) configSequencer(ctx context.Context) (*Sequencer, error) {
	s.cache.clearSequencer()
	if _, err := s.configSettings(ctx); err != nil {
		return nil, err
	}
	data := s.cache.getSequencer()
	if data == nil {
		return nil, fmt.Errorf("sequencer state: %w", ErrNoResponse)
	}
	return decode[Sequencer](data)
}

// ConfigExpander returns the output expander configuration, fetching the
// configuration if none is cached. It returns nil when no expander is
// configured.
func (s *Session) ConfigExpander(ctx context.Context) (*ExpanderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.cache.getExpander(); e != nil {
		return e, nil
	}
	if _, err := s.configSettings(ctx); err != nil {
		return nil, err
	}
	return s.cache.getExpander(), nil
}

// ============================================================
// Brightness and sequencer
// ============================================================

// SetBrightnessSlider sets the global brightness, clamped to 0..1
func (s *Session) SetBrightnessSlider(ctx context.Context, brightness float64, save bool) error {
	return s.command(ctx, Command{"brightness": clamp(brightness, 0, 1), "save": save})
}

// Brightness returns the brightness slider value
func (s *Session) Brightness(ctx context.Context) (float64, error) {
	settings, err := s.ConfigSettings(ctx)
	if err != nil {
		return 0, err
	}
	b, _ := settings.Float("brightness")
	return b, nil
}

// SetSequencerMode selects off, shuffle or playlist
func (s *Session) SetSequencerMode(ctx context.Context, mode SequencerMode, save bool) error {
	return s.command(ctx, Command{"sequencerMode": int(mode), "save": save})
}

// SetSequencerState starts or pauses the sequencer
func (s *Session) SetSequencerState(ctx context.Context, run bool) error {
	return s.command(ctx, Command{"runSequencer": run})
}

// PlaySequencer starts the sequencer
func (s *Session) PlaySequencer(ctx context.Context) error {
	return s.SetSequencerState(ctx, true)
}

// PauseSequencer pauses the sequencer without losing its position
func (s *Session) PauseSequencer(ctx context.Context) error {
	return s.SetSequencerState(ctx, false)
}

// NextSequencer advances to the next pattern
func (s *Session) NextSequencer(ctx context.Context, save bool) error {
	return s.command(ctx, Command{"nextProgram": true, "save": save})
}

// SetSequencerShuffleTime sets how long each pattern plays in shuffle mode
func (s *Session) SetSequencerShuffleTime(ctx context.Context, d time.Duration, save bool) error {
	return s.command(ctx, Command{"sequenceTimer": d.Milliseconds(), "save": save})
}

// Playlist fetches a playlist; an empty id selects the default playlist
func (s *Session) Playlist(ctx context.Context, id string) (*Playlist, error) {
	if id == "" {
		id = DefaultPlaylist
	}
	reply, err := s.SendJSON(ctx, Command{"getPlaylist": id}, ExpectKey("playlist"))
	if err != nil {
		return nil, err
	}
	doc, err := decode[struct {
		Playlist Playlist `json:"playlist"`
	}](reply)
	if err != nil {
		return nil, err
	}
	return &doc.Playlist, nil
}

// SetPlaylist replaces the contents of a playlist. An empty ID selects the
// default playlist.
func (s *Session) SetPlaylist(ctx context.Context, p *Playlist) error {
	out := *p
	if out.ID == "" {
		out.ID = DefaultPlaylist
	}
	s.cache.clearSequencer()
	return s.command(ctx, Command{"playlist": out})
}

// Add appends a pattern to the playlist. Send it with SetPlaylist.
func (p *Playlist) Add(patternID string, d time.Duration) {
	p.Items = append(p.Items, PlaylistItem{ID: patternID, Duration: int(d.Milliseconds())})
}

// ============================================================
// Patterns
// ============================================================

// PatternList returns pattern names keyed by id. The list is cached and
// only fetched again when forced or older than the refresh interval.
func (s *Session) PatternList(ctx context.Context, force bool) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patternList(ctx, force)
}

func (s *Session) patternList(ctx context.Context, force bool) (map[string]string, error) {
	now := s.cfg.clock()
	if force || s.cache.patternsStale(now) {
		reply, err := s.sendJSON(ctx, Command{"listPrograms": true}, ExpectBinary(MsgGetProgramList),
			patternListFactor*s.cfg.timeout)
		switch {
		case err == nil:
			s.cache.setPatterns(parsePatternList(reply), now)
		case errors.Is(err, ErrNoResponse):
			s.logger.Warn().Msg("pattern list request timed out")
			s.cache.setPatterns(nil, now)
		default:
			return nil, err
		}
	}
	return s.cache.getPatterns(), nil
}

// parsePatternList parses "id\tname" lines
func parsePatternList(data []byte) map[string]string {
	patterns := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) == 2 {
			patterns[fields[0]] = fields[1]
		}
	}
	return patterns
}

// SetCacheRefreshTime sets the pattern list cache refresh interval,
// clamped to 0..1e6 seconds
func (s *Session) SetCacheRefreshTime(d time.Duration) {
	s.cache.setRefreshInterval(clampRefresh(d))
}

// SetActivePattern switches to the pattern with the given id
func (s *Session) SetActivePattern(ctx context.Context, id string, save bool) error {
	_, err := s.SendJSON(ctx, Command{"activeProgramId": id, "save": save}, ExpectKey("activeProgram"))
	return err
}

// SetActivePatternByName switches to the pattern with the given name
func (s *Session) SetActivePatternByName(ctx context.Context, name string, save bool) error {
	patterns, err := s.PatternList(ctx, false)
	if err != nil {
		return err
	}
	for id, n := range patterns {
		if n == name {
			return s.SetActivePattern(ctx, id, save)
		}
	}
	return fmt.Errorf("%w: %q", ErrPatternNotFound, name)
}

// ActivePattern returns the id of the running pattern, or "" when none is set
func (s *Session) ActivePattern(ctx context.Context) (string, error) {
	seq, err := s.ConfigSequencer(ctx)
	if err != nil {
		return "", err
	}
	return seq.ActiveProgram.ActiveProgramID, nil
}

// ActiveControls returns the control values of the running pattern
func (s *Session) ActiveControls(ctx context.Context) (map[string]any, error) {
	seq, err := s.ConfigSequencer(ctx)
	if err != nil {
		return nil, err
	}
	if seq.ActiveProgram.Controls == nil {
		return map[string]any{}, nil
	}
	return seq.ActiveProgram.Controls, nil
}

// SetActiveControls sets control values of the running pattern
func (s *Session) SetActiveControls(ctx context.Context, controls map[string]any, save bool) error {
	_, err := s.SendJSON(ctx, Command{"setControls": controls, "save": save}, ExpectKey("ack"))
	return err
}

// PatternControls returns the saved control values of a pattern
func (s *Session) PatternControls(ctx context.Context, id string) (map[string]any, error) {
	reply, err := s.SendJSON(ctx, Command{"getControls": id}, ExpectKey("controls"))
	if err != nil {
		return nil, err
	}
	doc, err := decode[struct {
		Controls map[string]any `json:"controls"`
	}](reply)
	if err != nil {
		return nil, err
	}
	// Controls may be keyed by pattern id
	if inner, ok := doc.Controls[id].(map[string]any); ok {
		return inner, nil
	}
	if doc.Controls == nil {
		return map[string]any{}, nil
	}
	return doc.Controls, nil
}

// ControlExists reports whether a pattern has the named control. An empty
// id checks the running pattern.
func (s *Session) ControlExists(ctx context.Context, name, patternID string) (bool, error) {
	var controls map[string]any
	var err error
	if patternID == "" {
		controls, err = s.ActiveControls(ctx)
	} else {
		controls, err = s.PatternControls(ctx, patternID)
	}
	if err != nil {
		return false, err
	}
	_, ok := controls[name]
	return ok, nil
}

// ColorControlNames returns the names of the running pattern's HSV and
// RGB picker controls, HSV pickers first
func (s *Session) ColorControlNames(ctx context.Context) ([]string, error) {
	controls, err := s.ActiveControls(ctx)
	if err != nil {
		return nil, err
	}
	return colorControlNames(controls), nil
}

func colorControlNames(controls map[string]any) []string {
	var hsv, rgb []string
	for name := range controls {
		switch {
		case strings.Contains(name, "hsvPicker"):
			hsv = append(hsv, name)
		case strings.Contains(name, "rgbPicker"):
			rgb = append(rgb, name)
		}
	}
	sort.Strings(hsv)
	sort.Strings(rgb)
	return append(hsv, rgb...)
}

// SetColorControl sets a color picker control. Values are sent as given;
// the device wraps out of range components itself.
func (s *Session) SetColorControl(ctx context.Context, name string, color []float64, save bool) error {
	return s.SetActiveControls(ctx, map[string]any{name: color}, save)
}

// ActiveVariables returns the variables exported by the running pattern
func (s *Session) ActiveVariables(ctx context.Context) (map[string]any, error) {
	reply, err := s.SendJSON(ctx, Command{"getVars": true}, ExpectKey("vars"))
	if err != nil {
		return nil, err
	}
	doc, err := decode[struct {
		Vars map[string]any `json:"vars"`
	}](reply)
	if err != nil {
		return nil, err
	}
	return doc.Vars, nil
}

// SetActiveVariables sets exported variables; unknown names are ignored
// by the device
func (s *Session) SetActiveVariables(ctx context.Context, vars map[string]any) error {
	return s.command(ctx, Command{"setVars": vars})
}

// DeletePattern removes a pattern from the device
func (s *Session) DeletePattern(ctx context.Context, id string) error {
	if err := s.command(ctx, Command{"deleteProgram": id}); err != nil {
		return err
	}
	// force the next PatternList to fetch
	s.cache.setPatterns(nil, time.Time{})
	return nil
}

// PauseRenderer pauses or resumes rendering
func (s *Session) PauseRenderer(ctx context.Context, pause bool) error {
	_, err := s.SendJSON(ctx, Command{"pause": pause}, ExpectKey("ack"))
	return err
}

// ============================================================
// Settings
// ============================================================

// SetDeviceName sets the device name
func (s *Session) SetDeviceName(ctx context.Context, name string) error {
	return s.command(ctx, Command{"name": name})
}

// SetDiscovery enables announcements to the discovery service. A non-empty
// timezone must be a known IANA zone.
func (s *Session) SetDiscovery(ctx context.Context, enable bool, timezone string) error {
	cmd := Command{"discoveryEnable": enable, "timezone": nil}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("%w: timezone %q", ErrInvalidSetting, timezone)
		}
		cmd["timezone"] = timezone
	}
	return s.command(ctx, cmd)
}

// SetTimezone sets the IANA timezone; "" clears it
func (s *Session) SetTimezone(ctx context.Context, timezone string) error {
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("%w: timezone %q", ErrInvalidSetting, timezone)
		}
	}
	return s.command(ctx, Command{"timezone": timezone})
}

// SetAutoOffEnable enables the auto-off timer
func (s *Session) SetAutoOffEnable(ctx context.Context, enable, save bool) error {
	return s.command(ctx, Command{"autoOffEnable": enable, "save": save})
}

// SetAutoOffStart sets when the auto-off period starts, as "HH:MM"
func (s *Session) SetAutoOffStart(ctx context.Context, at string, save bool) error {
	return s.command(ctx, Command{"autoOffStart": at, "save": save})
}

// SetAutoOffEnd sets when the auto-off period ends, as "HH:MM"
func (s *Session) SetAutoOffEnd(ctx context.Context, at string, save bool) error {
	return s.command(ctx, Command{"autoOffEnd": at, "save": save})
}

// SetBrightnessLimit sets the brightness limit in percent, clamped to 0..100
func (s *Session) SetBrightnessLimit(ctx context.Context, percent int, save bool) error {
	return s.command(ctx, Command{"maxBrightness": clamp(percent, 0, 100), "save": save})
}

// SetLEDType sets the LED driver. A zero dataSpeed selects the default
// speed for the type.
func (s *Session) SetLEDType(ctx context.Context, ledType, dataSpeed int, save bool) error {
	if ledType < LEDNone || ledType > LEDOutputExpander {
		return fmt.Errorf("%w: LED type %d", ErrInvalidSetting, ledType)
	}
	var speed any
	if dataSpeed > 0 {
		speed = dataSpeed
	} else if d, ok := defaultDataSpeeds[ledType]; ok {
		speed = d
	}
	return s.command(ctx, Command{"ledType": ledType, "dataSpeed": speed, "save": save})
}

// SetPixelCount sets the number of pixels. The pixel map is not recomputed.
func (s *Session) SetPixelCount(ctx context.Context, n int, save bool) error {
	return s.command(ctx, Command{"pixelCount": n, "save": save})
}

// SetDataSpeed overrides the LED data rate
func (s *Session) SetDataSpeed(ctx context.Context, speed int, save bool) error {
	return s.command(ctx, Command{"dataSpeed": speed, "save": save})
}

// SetColorOrder sets the LED color order, e.g. "GRB"
func (s *Session) SetColorOrder(ctx context.Context, order string, save bool) error {
	if !colorOrders[order] {
		return fmt.Errorf("%w: color order %q", ErrInvalidSetting, order)
	}
	return s.command(ctx, Command{"colorOrder": order, "save": save})
}

// SetCPUSpeed sets the CPU clock in MHz (80, 160 or 240). Only v3
// hardware supports it; the change applies after a reboot.
func (s *Session) SetCPUSpeed(ctx context.Context, mhz int) error {
	if !cpuSpeeds[mhz] {
		return fmt.Errorf("%w: CPU speed %d", ErrInvalidSetting, mhz)
	}
	settings, err := s.ConfigSettings(ctx)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(settings.String("ver"), "3") {
		return fmt.Errorf("cpu speed: %w", ErrUnsupported)
	}
	return s.command(ctx, Command{"cpuSpeed": strconv.Itoa(mhz)})
}

// SetNetworkPowerSave disables WiFi power saving; applies after a reboot
func (s *Session) SetNetworkPowerSave(ctx context.Context, enable bool) error {
	return s.command(ctx, Command{"networkPowerSave": enable})
}

// SetBrandName sets the brand name shown in the web UI
func (s *Session) SetBrandName(ctx context.Context, name string) error {
	return s.command(ctx, Command{"brandName": name})
}

// SetSimpleUIMode toggles the simplified web UI
func (s *Session) SetSimpleUIMode(ctx context.Context, enable bool) error {
	return s.command(ctx, Command{"simpleUiMode": enable})
}

// SetLearningUIMode toggles the learning web UI
func (s *Session) SetLearningUIMode(ctx context.Context, enable bool) error {
	return s.command(ctx, Command{"learningUiMode": enable})
}

// ============================================================
// Firmware
// ============================================================

// Version returns the firmware version, cached after the first fetch
func (s *Session) Version(ctx context.Context) (Version, error) {
	raw := s.cache.getVersion()
	if raw == "" {
		settings, err := s.ConfigSettings(ctx)
		if err != nil {
			return Version{}, err
		}
		raw = settings.String("ver")
	}
	return ParseVersion(raw)
}

// UpdateState asks the device whether new firmware is available. The
// device is told to check with the update server at most every 15 minutes.
func (s *Session) UpdateState(ctx context.Context) (UpdateState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateState(ctx)
}

func (s *Session) updateState(ctx context.Context) (UpdateState, error) {
	now := s.cfg.clock()
	if s.cache.updateCheckDue(now, updateCheckInterval) {
		if _, err := s.sendJSON(ctx, Command{"upgradeVersion": "check"}, NoReply, s.cfg.timeout); err != nil {
			return UpdateUnknown, err
		}
		s.cache.setUpdateCheck(now)
	}

	for {
		reply, err := s.sendJSON(ctx, Command{"getUpgradeState": true}, ExpectKey("upgradeState"), s.cfg.timeout)
		if errors.Is(err, ErrNoResponse) {
			return UpdateUnknown, nil
		}
		if err != nil {
			return UpdateUnknown, err
		}

		doc, err := decode[struct {
			UpgradeState struct {
				Code UpdateState `json:"code"`
			} `json:"upgradeState"`
		}](reply)
		if err != nil {
			return UpdateUnknown, err
		}
		if doc.UpgradeState.Code != UpdateChecking {
			return doc.UpgradeState.Code, nil
		}
		if err := sleep(ctx, updatePollInterval); err != nil {
			return UpdateUnknown, err
		}
	}
}

// InstallUpdate installs available firmware and waits for the updater to
// settle. progress, if set, is called with each intermediate state.
func (s *Session) InstallUpdate(ctx context.Context, progress func(UpdateState)) (UpdateState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.updateState(ctx)
	if err != nil || state != UpdateAvailable {
		return UpdateUnknown, err
	}

	s.cache.clearVersion()
	if _, err := s.sendJSON(ctx, Command{"upgradeVersion": "update"}, NoReply, s.cfg.timeout); err != nil {
		return UpdateUnknown, err
	}

	for {
		state, err = s.updateState(ctx)
		if err != nil || state.done() {
			return state, err
		}
		if progress != nil {
			progress(state)
		}
		if err := sleep(ctx, updatePollInterval); err != nil {
			return state, err
		}
	}
}

// ============================================================
// Pixel map
// ============================================================

// SetMapData uploads binary pixel map data and optionally saves it
func (s *Session) SetMapData(ctx context.Context, data []byte, save bool) error {
	if _, err := s.SendBinary(ctx, MsgPutPixelMap, data, ExpectKey("ack")); err != nil {
		return err
	}
	if save {
		return s.command(ctx, Command{"savePixelMap": true})
	}
	return nil
}
