package lbsync

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/unkn0wn-root/lbsync/congestion"
	"github.com/unkn0wn-root/lbsync/radio"
)

// Debug subsystems that can be switched on from the mode list.
const (
	DebugRadio         = "radio"
	DebugPieces        = "pieces"
	DebugAnnounce      = "announce"
	DebugInsert        = "insert"
	DebugRadioRX       = "radio_rx"
	DebugSync          = "sync"
	DebugSyncKeys      = "sync_keys"
	DebugBundleLog     = "bundlelog"
	DebugPull          = "pull"
	DebugMessagePieces = "message_pieces"
	DebugLogRejects    = "logrejects"
)

var debugNames = []string{
	DebugRadio, DebugPieces, DebugAnnounce, DebugInsert, DebugRadioRX,
	DebugSync, DebugSyncKeys, DebugBundleLog, DebugPull, DebugMessagePieces,
	DebugLogRejects,
}

// Time sync roles.
const (
	TimeNormal = ""
	TimeSlave  = "slave"
	TimeMaster = "master"
)

type StoreConfig struct {
	// Addr is host:port of the servald REST API. Empty with BoltPath set
	// uses the embedded store.
	Addr       string        `mapstructure:"addr"`
	Credential string        `mapstructure:"credential"`
	BoltPath   string        `mapstructure:"bolt-path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// LoadInterval is how often the store is polled for new bundles.
	LoadInterval time.Duration `mapstructure:"load-interval"`
}

type TimeConfig struct {
	Mode      string        `mapstructure:"mode"`
	UDP       bool          `mapstructure:"udp"`
	Listen    string        `mapstructure:"listen"`
	Broadcast []string      `mapstructure:"broadcast"`
	Interval  time.Duration `mapstructure:"interval"`
	// StampEvery puts a timestamp record into every Nth frame.
	StampEvery int `mapstructure:"stamp-every"`
}

type StatusConfig struct {
	HTTPAddr string        `mapstructure:"http-addr"`
	NoHTTPD  bool          `mapstructure:"no-httpd"`
	File     string        `mapstructure:"file"`
	Interval time.Duration `mapstructure:"interval"`
}

type Config struct {
	SID string `mapstructure:"sid"`
	// Port is the transport: a serial device (path[@baud]) or
	// udp:local,remote.
	Port    string `mapstructure:"port"`
	Framing string `mapstructure:"framing"`
	FEC     bool   `mapstructure:"fec"`

	LoopSleep      time.Duration `mapstructure:"loop-sleep"`
	MaxPeers       int           `mapstructure:"max-peers"`
	Keepalive      time.Duration `mapstructure:"keepalive"`
	QueueLen       int           `mapstructure:"queue-len"`
	Reannounce     time.Duration `mapstructure:"reannounce"`
	RecentTimeout  time.Duration `mapstructure:"recent-timeout"`
	MaxCacheErrors int           `mapstructure:"max-cache-errors"`
	TreeDepth      int           `mapstructure:"tree-depth"`
	TreeNodes      bool          `mapstructure:"tree-nodes"`
	// ProgressInterval is how often in-flight transfers are summarised.
	ProgressInterval time.Duration `mapstructure:"progress-interval"`

	Monitor    bool   `mapstructure:"monitor"`
	MeshMSOnly bool   `mapstructure:"meshms-only"`
	MinVersion uint64 `mapstructure:"min-version"`
	NoPriority bool   `mapstructure:"no-priority"`

	LogLevel  string   `mapstructure:"log-level"`
	LogFormat string   `mapstructure:"log-format"`
	Debug     []string `mapstructure:"debug"`

	Store      StoreConfig       `mapstructure:"store"`
	Time       TimeConfig        `mapstructure:"time"`
	Status     StatusConfig      `mapstructure:"status"`
	Congestion congestion.Config `mapstructure:"congestion"`
	Link       radio.LinkConfig  `mapstructure:"link"`
}

func DefaultConfig() Config {
	return Config{
		Framing:          "line",
		LoopSleep:        10 * time.Millisecond,
		MaxPeers:         1024,
		Keepalive:        20 * time.Second,
		QueueLen:         10,
		Reannounce:       60 * time.Second,
		RecentTimeout:    120 * time.Second,
		MaxCacheErrors:   5,
		TreeDepth:        8,
		ProgressInterval: time.Second,
		LogLevel:         "info",
		LogFormat:        "plain",
		Store: StoreConfig{
			Timeout:      5 * time.Second,
			LoadInterval: 3 * time.Second,
		},
		Time: TimeConfig{
			Listen:     fmt.Sprintf(":%d", 0x5401),
			Interval:   time.Second,
			StampEvery: 8,
		},
		Status: StatusConfig{
			HTTPAddr: "127.0.0.1:4110",
			Interval: 3 * time.Second,
		},
		Congestion: congestion.DefaultConfig(),
		Link: radio.LinkConfig{
			MaxWriteErrors:  radio.DefaultMaxWriteErrors,
			ResetsPerMinute: radio.DefaultResetsPerMin,
		},
	}
}

// FillDefaults replaces zero values with the defaults.
func (c *Config) FillDefaults() {
	d := DefaultConfig()
	if c.Framing == "" {
		c.Framing = d.Framing
	}
	if c.LoopSleep <= 0 {
		c.LoopSleep = d.LoopSleep
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.Keepalive <= 0 {
		c.Keepalive = d.Keepalive
	}
	if c.QueueLen <= 0 {
		c.QueueLen = d.QueueLen
	}
	if c.Reannounce <= 0 {
		c.Reannounce = d.Reannounce
	}
	if c.RecentTimeout <= 0 {
		c.RecentTimeout = d.RecentTimeout
	}
	if c.MaxCacheErrors <= 0 {
		c.MaxCacheErrors = d.MaxCacheErrors
	}
	if c.TreeDepth <= 0 {
		c.TreeDepth = d.TreeDepth
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.Store.Timeout <= 0 {
		c.Store.Timeout = d.Store.Timeout
	}
	if c.Store.LoadInterval <= 0 {
		c.Store.LoadInterval = d.Store.LoadInterval
	}
	if c.Time.Listen == "" {
		c.Time.Listen = d.Time.Listen
	}
	if c.Time.Interval <= 0 {
		c.Time.Interval = d.Time.Interval
	}
	if c.Time.StampEvery <= 0 {
		c.Time.StampEvery = d.Time.StampEvery
	}
	if c.Status.HTTPAddr == "" {
		c.Status.HTTPAddr = d.Status.HTTPAddr
	}
	if c.Status.Interval <= 0 {
		c.Status.Interval = d.Status.Interval
	}
	c.Congestion.FillDefaults()
	c.Link.FillDefaults()
}

// Validate reports configuration errors. They are fatal at startup.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: no transport port", ErrInvalidConfig)
	}
	if !c.Monitor {
		if _, err := ParseSID(c.SID); err != nil {
			return err
		}
		if c.Store.Addr == "" && c.Store.BoltPath == "" {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, ErrNoStore)
		}
	}
	switch c.Framing {
	case "line", "rf95", "kiss":
	default:
		return fmt.Errorf("%w: unknown framing %q", ErrInvalidConfig, c.Framing)
	}
	switch c.Time.Mode {
	case TimeNormal, TimeSlave, TimeMaster:
	default:
		return fmt.Errorf("%w: unknown time mode %q", ErrInvalidConfig, c.Time.Mode)
	}
	for _, d := range c.Debug {
		if !isDebugName(d) {
			return fmt.Errorf("%w: unknown debug subsystem %q", ErrInvalidConfig, d)
		}
	}
	return nil
}

// Debugging reports whether subsystem is switched on.
func (c *Config) Debugging(subsystem string) bool {
	for _, d := range c.Debug {
		if d == subsystem {
			return true
		}
	}
	return false
}

// ApplyModes folds the trailing mode words of the command line into c.
// Unknown words are an error wrapping ErrUnknownMode.
func (c *Config) ApplyModes(modes []string) error {
	for _, m := range modes {
		key, val, hasVal := strings.Cut(m, "=")
		switch {
		case key == "monitor" && !hasVal:
			c.Monitor = true
		case key == "meshmsonly" && !hasVal:
			c.MeshMSOnly = true
		case key == "minversion" && hasVal:
			v, err := ParseMinVersion(val)
			if err != nil {
				return err
			}
			c.MinVersion = v
		case key == "timeslave" && !hasVal:
			c.Time.Mode = TimeSlave
		case key == "timemaster" && !hasVal:
			c.Time.Mode = TimeMaster
		case key == "udptime" && !hasVal:
			c.Time.UDP = true
		case key == "timebroadcast" && hasVal:
			if val == "" {
				return fmt.Errorf("%w: %q needs an address", ErrUnknownMode, m)
			}
			c.Time.Broadcast = append(c.Time.Broadcast, val)
			c.Time.UDP = true
		case key == "nopriority" && !hasVal:
			c.NoPriority = true
		case key == "nohttpd" && !hasVal:
			c.Status.NoHTTPD = true
		case !hasVal && isDebugName(key):
			if !c.Debugging(key) {
				c.Debug = append(c.Debug, key)
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownMode, m)
		}
	}
	return nil
}

// ParseMinVersion reads a version floor given either as milliseconds since
// the epoch or as a yyyy/mm/dd date in UTC.
func ParseMinVersion(s string) (uint64, error) {
	if strings.Contains(s, "/") {
		t, err := time.Parse("2006/01/02", s)
		if err != nil {
			return 0, fmt.Errorf("%w: minversion %q: %v", ErrUnknownMode, s, err)
		}
		return uint64(t.UnixMilli()), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: minversion %q: %v", ErrUnknownMode, s, err)
	}
	return v, nil
}

// ParseSID checks a subscriber id and returns it normalised to upper case.
func ParseSID(s string) (string, error) {
	if len(s) < 64 {
		return "", ErrBadSID
	}
	if _, err := hex.DecodeString(s[:64]); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSID, err)
	}
	return strings.ToUpper(s[:64]), nil
}

func isDebugName(s string) bool {
	for _, d := range debugNames {
		if d == s {
			return true
		}
	}
	return false
}
