// Package config loads the node configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/banshee-data/safespace/internal/display"
)

// MaxFileSize bounds the config file read at startup.
const MaxFileSize = 1 * 1024 * 1024

// Duration is a time.Duration written as a string like "30s" in JSON.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Capture source kinds.
const (
	SourceCamera = "camera"
	SourceVideo  = "video"
)

// Display kinds.
const (
	DisplayLog    = "log"
	DisplaySerial = "serial"
)

// NodeConfig is the complete node configuration.
type NodeConfig struct {
	NodeID      string `json:"node_id"`
	Lat         string `json:"lat"`
	Long        string `json:"long"`
	DefaultLane string `json:"default_lane"`

	Server    ServerConfig   `json:"server"`
	Capture   CaptureConfig  `json:"capture"`
	Models    []ModelConfig  `json:"models"`
	Decision  DecisionConfig `json:"decision"`
	Snapshots SnapshotConfig `json:"snapshots"`
	Display   DisplayConfig  `json:"display"`
	Failures  FailureConfig  `json:"failures"`
	Database  DatabaseConfig `json:"database"`
	Admin     AdminConfig    `json:"admin"`
	Logging   LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	URL               string   `json:"url"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  Duration `json:"heartbeat_timeout"`
	ReportTimeout     Duration `json:"report_timeout"`
	ConnectTimeout    Duration `json:"connect_timeout"`
	ReconnectAttempts int      `json:"reconnect_attempts"`
}

type CaptureConfig struct {
	// Source is "camera" (live test pattern) or "video" (a directory of
	// frames read in name order).
	Source           string   `json:"source"`
	Path             string   `json:"path,omitempty"`
	FPS              int      `json:"fps"`
	Loop             bool     `json:"loop"`
	Width            int      `json:"width"`
	Height           int      `json:"height"`
	MaxInvalidFrames int      `json:"max_invalid_frames"`
	GlitchPause      Duration `json:"glitch_pause"`
}

type ModelConfig struct {
	Name       string  `json:"name"`
	Endpoint   string  `json:"endpoint"`
	Confidence float64 `json:"confidence"`
}

type DecisionConfig struct {
	IncidentPattern string `json:"incident_pattern"`
	ShowFrames      bool   `json:"show_frames"`
}

type SnapshotConfig struct {
	Dir      string `json:"dir"`
	Quality  int    `json:"quality"`
	MaxWidth int    `json:"max_width,omitempty"`
}

type DisplayConfig struct {
	Kind   string              `json:"kind"`
	Port   string              `json:"port,omitempty"`
	Serial display.PortOptions `json:"serial"`
}

type FailureConfig struct {
	Threshold  int      `json:"threshold"`
	Window     Duration `json:"window"`
	MaxHistory int      `json:"max_history"`
}

type DatabaseConfig struct {
	// Path of the sqlite journal. Empty disables journaling.
	Path string `json:"path"`
}

type AdminConfig struct {
	// Listen is the admin HTTP address. Empty disables the routes.
	Listen string `json:"listen"`
}

type LoggingConfig struct {
	File  string `json:"file,omitempty"`
	Trace bool   `json:"trace"`
}

// Default returns the configuration used when no file is given.
func Default() *NodeConfig {
	return &NodeConfig{
		NodeID:      "node-001",
		Lat:         "0",
		Long:        "0",
		DefaultLane: "1",
		Server: ServerConfig{
			URL:               "http://localhost:3000",
			HeartbeatInterval: Duration(30 * time.Second),
			HeartbeatTimeout:  Duration(5 * time.Second),
			ReportTimeout:     Duration(15 * time.Second),
			ConnectTimeout:    Duration(10 * time.Second),
			ReconnectAttempts: 10,
		},
		Capture: CaptureConfig{
			Source:           SourceCamera,
			FPS:              30,
			Loop:             true,
			Width:            640,
			Height:           480,
			MaxInvalidFrames: 50,
			GlitchPause:      Duration(100 * time.Millisecond),
		},
		Models: []ModelConfig{
			{Name: "accident_detection_v1", Endpoint: "http://localhost:8500/detect", Confidence: 0.5},
		},
		Decision: DecisionConfig{
			IncidentPattern: "accident",
		},
		Snapshots: SnapshotConfig{
			Dir:     "snapshots",
			Quality: 90,
		},
		Display: DisplayConfig{
			Kind: DisplayLog,
		},
		Failures: FailureConfig{
			Threshold:  5,
			Window:     Duration(300 * time.Second),
			MaxHistory: 100,
		},
		Database: DatabaseConfig{
			Path: "safespace.db",
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:8081",
		},
	}
}

// Load reads a JSON (comments allowed) config from path on top of Default.
// Fields omitted from the file keep their default values. An empty path
// returns the defaults. The result is not validated: callers apply
// environment and flag overrides first, then call Validate.
func Load(path string) (*NodeConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" && ext != ".jsonc" {
		return nil, fmt.Errorf("config file must have .json or .jsonc extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > MaxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), MaxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// A models list in the file replaces the default list.
	var probe struct {
		Models json.RawMessage `json:"models"`
	}
	data = jsonc.ToJSON(data)
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if probe.Models != nil {
		cfg.Models = nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *NodeConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.NodeID) == "" {
		add("node_id must not be empty")
	}
	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("server.url must be an http(s) URL, got %q", c.Server.URL)
		}
	}
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"server.heartbeat_interval", c.Server.HeartbeatInterval},
		{"server.heartbeat_timeout", c.Server.HeartbeatTimeout},
		{"server.report_timeout", c.Server.ReportTimeout},
		{"server.connect_timeout", c.Server.ConnectTimeout},
		{"failures.window", c.Failures.Window},
	} {
		if d.value <= 0 {
			add("%s must be positive, got %s", d.name, d.value.D())
		}
	}
	if c.Server.ReconnectAttempts < 0 {
		add("server.reconnect_attempts must be non-negative, got %d", c.Server.ReconnectAttempts)
	}

	switch c.Capture.Source {
	case SourceCamera:
	case SourceVideo:
		if c.Capture.Path == "" {
			add("capture.path is required for a video source")
		}
	default:
		add("capture.source must be %q or %q, got %q", SourceCamera, SourceVideo, c.Capture.Source)
	}
	if c.Capture.FPS < 0 {
		add("capture.fps must be non-negative, got %d", c.Capture.FPS)
	}
	if c.Capture.Width < 0 || c.Capture.Height < 0 {
		add("capture dimensions must be non-negative")
	}
	if c.Capture.MaxInvalidFrames < 0 {
		add("capture.max_invalid_frames must be non-negative, got %d", c.Capture.MaxInvalidFrames)
	}

	seen := make(map[string]bool)
	for i, m := range c.Models {
		if m.Name == "" {
			add("models[%d].name must not be empty", i)
		} else if seen[m.Name] {
			add("models[%d]: duplicate model name %q", i, m.Name)
		}
		seen[m.Name] = true
		if m.Endpoint == "" {
			add("models[%d].endpoint must not be empty", i)
		}
		if m.Confidence < 0 || m.Confidence > 1 {
			add("models[%d].confidence must be between 0 and 1, got %g", i, m.Confidence)
		}
	}

	if c.Snapshots.Dir == "" {
		add("snapshots.dir must not be empty")
	}
	if c.Snapshots.Quality < 1 || c.Snapshots.Quality > 100 {
		add("snapshots.quality must be between 1 and 100, got %d", c.Snapshots.Quality)
	}

	switch c.Display.Kind {
	case DisplayLog:
	case DisplaySerial:
		if c.Display.Port == "" {
			add("display.port is required for a serial display")
		}
		if _, err := c.Display.Serial.Normalize(); err != nil {
			add("display.serial: %w", err)
		}
	default:
		add("display.kind must be %q or %q, got %q", DisplayLog, DisplaySerial, c.Display.Kind)
	}

	if c.Failures.Threshold <= 0 {
		add("failures.threshold must be positive, got %d", c.Failures.Threshold)
	}
	if c.Failures.MaxHistory <= 0 {
		add("failures.max_history must be positive, got %d", c.Failures.MaxHistory)
	}
	return errors.Join(errs...)
}
