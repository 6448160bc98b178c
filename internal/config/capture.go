package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical capture defaults file.
const DefaultConfigPath = "config/capture.defaults.json"

// Defaults used when a field is omitted.
const (
	DefaultTransferSize  = 8192
	DefaultStatsInterval = 30 * time.Second
	DefaultListen        = "localhost:8091"

	transferGranularity = 512
)

// CaptureConfig holds the settings of the capture command. Fields are
// pointers so that a partial file only overrides what it names; the Get*
// methods supply defaults for the rest.
type CaptureConfig struct {
	// Transfer params
	TransferSize *int  `json:"transfer_size,omitempty"`
	USBDebug     *int  `json:"usb_debug,omitempty"`
	AutoDetach   *bool `json:"auto_detach,omitempty"`

	// Consumer params
	DiscardFirstFrame *bool   `json:"discard_first_frame,omitempty"`
	FetchTimeout      *string `json:"fetch_timeout,omitempty"`  // duration string, "0s" waits forever
	StatsInterval     *string `json:"stats_interval,omitempty"` // duration string, "0s" disables

	// Outputs
	Listen      *string `json:"listen,omitempty"`
	JournalPath *string `json:"journal_path,omitempty"` // empty disables the journal

	// Replay params
	ReplayRealtime *bool `json:"replay_realtime,omitempty"`
}

// EmptyCaptureConfig returns a CaptureConfig with all fields unset.
func EmptyCaptureConfig() *CaptureConfig {
	return &CaptureConfig{}
}

// LoadCaptureConfig loads a CaptureConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Omitted fields keep
// their defaults.
func LoadCaptureConfig(path string) (*CaptureConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCaptureConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *CaptureConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,    // from cmd/
		"../../" + DefaultConfigPath, // from internal/config/, cmd/thermcap/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadCaptureConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *CaptureConfig) Validate() error {
	if c.TransferSize != nil {
		if *c.TransferSize <= 0 || *c.TransferSize%transferGranularity != 0 {
			return fmt.Errorf("transfer_size must be a positive multiple of %d, got %d", transferGranularity, *c.TransferSize)
		}
	}

	if c.USBDebug != nil && (*c.USBDebug < 0 || *c.USBDebug > 4) {
		return fmt.Errorf("usb_debug must be between 0 and 4, got %d", *c.USBDebug)
	}

	for name, v := range map[string]*string{
		"fetch_timeout":  c.FetchTimeout,
		"stats_interval": c.StatsInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	return nil
}

// GetTransferSize returns the transfer_size value or the default.
func (c *CaptureConfig) GetTransferSize() int {
	if c.TransferSize == nil {
		return DefaultTransferSize
	}
	return *c.TransferSize
}

// GetUSBDebug returns the libusb debug level.
func (c *CaptureConfig) GetUSBDebug() int {
	if c.USBDebug == nil {
		return 0
	}
	return *c.USBDebug
}

// GetAutoDetach returns the auto_detach value or the default.
func (c *CaptureConfig) GetAutoDetach() bool {
	if c.AutoDetach == nil {
		return true // default
	}
	return *c.AutoDetach
}

// GetDiscardFirstFrame returns the discard_first_frame value or the default.
// The first frame after connecting repeats its header and is misaligned.
func (c *CaptureConfig) GetDiscardFirstFrame() bool {
	if c.DiscardFirstFrame == nil {
		return true // default
	}
	return *c.DiscardFirstFrame
}

// GetFetchTimeout returns how long to wait for a frame. Zero waits forever.
func (c *CaptureConfig) GetFetchTimeout() time.Duration {
	return parseDuration(c.FetchTimeout, 0)
}

// GetStatsInterval returns the stats logging interval. Zero disables it.
func (c *CaptureConfig) GetStatsInterval() time.Duration {
	return parseDuration(c.StatsInterval, DefaultStatsInterval)
}

// GetListen returns the debug HTTP listen address.
func (c *CaptureConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// GetJournalPath returns the journal database path; empty disables it.
func (c *CaptureConfig) GetJournalPath() string {
	if c.JournalPath == nil {
		return ""
	}
	return *c.JournalPath
}

// GetReplayRealtime returns the replay_realtime value or the default.
func (c *CaptureConfig) GetReplayRealtime() bool {
	if c.ReplayRealtime == nil {
		return false
	}
	return *c.ReplayRealtime
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}
