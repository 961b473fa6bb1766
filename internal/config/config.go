// Package config reads monitect HCL config with includes and environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/kentonj/monitect/helpers"
	"github.com/kentonj/monitect/log2"
)

const (
	DefaultServerURL      = "http://server:8181"
	DefaultSensorName     = "dht22"
	DefaultNetworkTimeout = 30 * time.Second
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	ServerURL         string `hcl:"server_url"`
	StreamURL         string `hcl:"stream_url"`
	LogDebug          bool   `hcl:"log_debug"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	MetricsListen     string `hcl:"metrics_listen"`
	// raw or base64, both ends of a channel must agree
	PayloadMode string `hcl:"payload_mode"`
	MqttQoS     int    `hcl:"mqtt_qos"`

	Reading   ReadingConfig   `hcl:"reading"`
	Publish   PublishConfig   `hcl:"publish"`
	Subscribe SubscribeConfig `hcl:"subscribe"`
	Camera    CameraConfig    `hcl:"camera"`
	Reconnect ReconnectConfig `hcl:"reconnect"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type ReadingConfig struct {
	Enabled      bool    `hcl:"enabled"`
	SensorName   string  `hcl:"sensor_name"`
	IntervalSec  int     `hcl:"interval_sec"`
	MaxAttempts  int     `hcl:"max_attempts"`
	RetryDelayMs int     `hcl:"retry_delay_ms"`
	SimSeed      int64   `hcl:"sim_seed"`
	SimFailRatio float64 `hcl:"sim_fail_ratio"`
}

type PublishConfig struct {
	Enabled bool `hcl:"enabled"`
	// Channel is camera sensor id; when empty, camera sensor SensorName is resolved.
	Channel    string   `hcl:"channel"`
	SensorName string   `hcl:"sensor_name"`
	Frames     []string `hcl:"frames"`
	IntervalMs int      `hcl:"interval_ms"`
}

type SubscribeConfig struct {
	Enabled bool `hcl:"enabled"`
	// empty Channel subscribes to all channels
	Channel  string `hcl:"channel"`
	ClientID string `hcl:"client_id"`
	// empty SinkDir logs frames instead of writing files
	SinkDir      string `hcl:"sink_dir"`
	SinkSequence bool   `hcl:"sink_sequence"`
}

type CameraConfig struct {
	Enabled      bool     `hcl:"enabled"`
	SensorName   string   `hcl:"sensor_name"`
	Frames       []string `hcl:"frames"`
	IntervalSec  int      `hcl:"interval_sec"`
	RetentionSec int      `hcl:"retention_sec"`
}

type ReconnectConfig struct {
	Disabled bool    `hcl:"disabled"`
	MinMs    int     `hcl:"min_ms"`
	MaxSec   int     `hcl:"max_sec"`
	K        float64 `hcl:"k"`
}

func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
}

func (c *ReadingConfig) Interval(def time.Duration) time.Duration {
	return helpers.IntSecondDefault(c.IntervalSec, def)
}
func (c *ReadingConfig) RetryDelay(def time.Duration) time.Duration {
	return helpers.IntMillisecondDefault(c.RetryDelayMs, def)
}
func (c *PublishConfig) Interval(def time.Duration) time.Duration {
	return helpers.IntMillisecondDefault(c.IntervalMs, def)
}
func (c *CameraConfig) Interval(def time.Duration) time.Duration {
	return helpers.IntSecondDefault(c.IntervalSec, def)
}
func (c *CameraConfig) Retention() time.Duration {
	return helpers.IntSecondDefault(c.RetentionSec, 0)
}
func (c *ReconnectConfig) Min(def time.Duration) time.Duration {
	return helpers.IntMillisecondDefault(c.MinMs, def)
}
func (c *ReconnectConfig) Max(def time.Duration) time.Duration {
	return helpers.IntSecondDefault(c.MaxSec, def)
}

// ApplyEnv overrides config with SERVER_URL, STREAM_URL, SENSOR_NAME and
// INTERVAL (seconds) when set. These are the names field scripts always used.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if s := getenv("SERVER_URL"); s != "" {
		c.ServerURL = s
	}
	if s := getenv("STREAM_URL"); s != "" {
		c.StreamURL = s
	}
	if s := getenv("SENSOR_NAME"); s != "" {
		c.Reading.SensorName = s
	}
	if s := getenv("INTERVAL"); s != "" {
		x, err := strconv.Atoi(s)
		if err != nil || x <= 0 {
			return errors.NotValidf("env INTERVAL=%s", s)
		}
		c.Reading.IntervalSec = x
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.StreamURL == "" {
		c.StreamURL = c.ServerURL
	}
	if c.Reading.SensorName == "" {
		c.Reading.SensorName = DefaultSensorName
	}
}

// Validate reports config errors that no component can recover from.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.MqttQoS < 0 || c.MqttQoS > 2 {
		errs = append(errs, errors.NotValidf("config mqtt_qos=%d", c.MqttQoS))
	}
	if c.Reading.MaxAttempts < 0 {
		errs = append(errs, errors.NotValidf("config reading.max_attempts=%d", c.Reading.MaxAttempts))
	}
	if c.Reading.SimFailRatio < 0 || c.Reading.SimFailRatio > 1 {
		errs = append(errs, errors.NotValidf("config reading.sim_fail_ratio=%v", c.Reading.SimFailRatio))
	}
	if c.Publish.Enabled && len(c.Publish.Frames) == 0 {
		errs = append(errs, errors.NotValidf("config publish.frames=empty"))
	}
	if c.Publish.Enabled && c.Publish.Channel == "" && c.Publish.SensorName == "" {
		errs = append(errs, errors.NotValidf("config publish requires channel or sensor_name"))
	}
	if c.Camera.Enabled && (len(c.Camera.Frames) == 0 || c.Camera.SensorName == "") {
		errs = append(errs, errors.NotValidf("config camera requires frames and sensor_name"))
	}
	if c.Camera.RetentionSec < 0 {
		errs = append(errs, errors.NotValidf("config camera.retention_sec=%d", c.Camera.RetentionSec))
	}
	if c.Reconnect.K != 0 && c.Reconnect.K < 1 {
		errs = append(errs, errors.NotValidf("config reconnect.k=%v", c.Reconnect.K))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig parses names in order, later values overwrite earlier ones.
// Environment is not applied, see ReadConfigFile.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	return readConfig(log, fs, nil, names...)
}

// ReadConfigFile reads path, its includes relative to path directory, then process environment.
func ReadConfigFile(log *log2.Log, path string) (*Config, error) {
	dir, name := filepath.Split(path)
	fs, err := NewOsFullReader(dir)
	if err != nil {
		return nil, err
	}
	return readConfig(log, fs, os.Getenv, name)
}

func readConfig(log *log2.Log, fs FullReader, getenv func(string) string, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}
	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	if getenv != nil {
		if err := c.ApplyEnv(getenv); err != nil {
			return nil, err
		}
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func MustReadConfigFile(log *log2.Log, path string) *Config {
	c, err := ReadConfigFile(log, path)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// String is safe to log, credentials in URLs are masked.
func (c *Config) String() string {
	return "server_url=" + maskURL(c.ServerURL) + " stream_url=" + maskURL(c.StreamURL) +
		" reading=" + strconv.FormatBool(c.Reading.Enabled) +
		" publish=" + strconv.FormatBool(c.Publish.Enabled) +
		" subscribe=" + strconv.FormatBool(c.Subscribe.Enabled) +
		" camera=" + strconv.FormatBool(c.Camera.Enabled)
}

func maskURL(s string) string {
	schemeEnd := strings.Index(s, "://")
	at := strings.LastIndex(s, "@")
	if schemeEnd < 0 || at < schemeEnd {
		return s
	}
	return s[:schemeEnd+3] + "***" + s[at:]
}
