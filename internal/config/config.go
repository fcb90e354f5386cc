// Package config 读取并校验节点配置
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/utils"
	"gopkg.in/yaml.v3"
)

const MaxClientIdentifierLength = 23

var (
	ErrMissing = errors.New("missing required value")
	ErrInvalid = errors.New("invalid value")
)

// Error 指明出错的配置项
type Error struct {
	Field  string
	Reason error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("config %s: %v", e.Field, e.Reason)
	}
	return fmt.Sprintf("config %s: %v: %s", e.Field, e.Reason, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Reason
}

type RadioConfig struct {
	Driver     string `json:"driver" yaml:"driver"` // host | at
	Interface  string `json:"interface" yaml:"interface"`
	SerialPort string `json:"serial_port" yaml:"serial_port"`
	BaudRate   int    `json:"baud_rate" yaml:"baud_rate"`
}

type SensorConfig struct {
	Driver    string `json:"driver" yaml:"driver"` // iio | none
	IIODevice string `json:"iio_device" yaml:"iio_device"`
}

type TimeoutConfig struct {
	Assoc    string `json:"assoc" yaml:"assoc"`
	Lease    string `json:"lease" yaml:"lease"`
	Connect  string `json:"connect" yaml:"connect"`
	Send     string `json:"send" yaml:"send"`
	Ping     string `json:"ping" yaml:"ping"`
	LinkPoll string `json:"link_poll" yaml:"link_poll"`
}

type BackoffConfig struct {
	Base string `json:"base" yaml:"base"`
	Cap  string `json:"cap" yaml:"cap"`
}

type JournalConfig struct {
	URI              string `json:"uri" yaml:"uri"`
	Database         string `json:"database" yaml:"database"`
	OperationTimeout string `json:"operation_timeout" yaml:"operation_timeout"`
	Retention        string `json:"retention" yaml:"retention"`
}

type Config struct {
	SSID                     string         `json:"ssid" yaml:"ssid"`
	Credentials              string         `json:"credentials" yaml:"credentials"`
	BrokerAddress            string         `json:"broker_address" yaml:"broker_address"`
	BrokerPort               int            `json:"broker_port" yaml:"broker_port"`
	ClientIdentifier         string         `json:"client_identifier" yaml:"client_identifier"`
	TopicPrefix              string         `json:"topic_prefix" yaml:"topic_prefix"`
	KeepAliveSeconds         int            `json:"keep_alive_seconds" yaml:"keep_alive_seconds"`
	SampleIntervalSeconds    int            `json:"sample_interval_seconds" yaml:"sample_interval_seconds"`
	StatusIntervalSeconds    int            `json:"status_interval_seconds" yaml:"status_interval_seconds"`
	HeartbeatIntervalSeconds int            `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	DeviceID                 string         `json:"device_id" yaml:"device_id"`
	SensorKind               string         `json:"sensor_kind" yaml:"sensor_kind"`
	DebugMode                bool           `json:"debug_mode" yaml:"debug_mode"`
	LogDir                   string         `json:"log_dir" yaml:"log_dir"`
	BrokerTransport          string         `json:"broker_transport" yaml:"broker_transport"` // tcp | websocket
	WebSocketPath            string         `json:"websocket_path" yaml:"websocket_path"`
	Radio                    RadioConfig    `json:"radio" yaml:"radio"`
	Sensor                   SensorConfig   `json:"sensor" yaml:"sensor"`
	Timeouts                 TimeoutConfig  `json:"timeouts" yaml:"timeouts"`
	Backoff                  BackoffConfig  `json:"backoff" yaml:"backoff"`
	Journal                  *JournalConfig `json:"journal,omitempty" yaml:"journal,omitempty"`
}

// Timing 解析后的时长配置
type Timing struct {
	Assoc             time.Duration
	Lease             time.Duration
	Connect           time.Duration
	Send              time.Duration
	Ping              time.Duration
	LinkPoll          time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	KeepAlive         time.Duration
	SampleInterval    time.Duration
	StatusInterval    time.Duration
	HeartbeatInterval time.Duration
	JournalTimeout    time.Duration
	JournalRetention  time.Duration
}

// Load 读取path指定的 JSON 或 YAML 文件，填充默认值并校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fail to read configuration file %s: %w", path, err)
	}
	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	default:
		cfg, err = ParseJSON(data)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func ParseJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}
	return finish(cfg)
}

func ParseYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("the configuration file does not contain valid YAML: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults 只填充可选项，必填项保持原样
func (c *Config) ApplyDefaults() {
	setDefault(&c.DeviceID, c.ClientIdentifier)
	setDefault(&c.SensorKind, "bme280")
	setDefault(&c.BrokerTransport, "tcp")
	setDefault(&c.WebSocketPath, "/mqtt")
	setDefault(&c.Radio.Driver, "host")
	setDefault(&c.Radio.Interface, "wlan0")
	if c.Radio.BaudRate == 0 {
		c.Radio.BaudRate = 115200
	}
	setDefault(&c.Sensor.Driver, "iio")
	setDefault(&c.Sensor.IIODevice, "/sys/bus/iio/devices/iio:device0")
	setDefault(&c.Timeouts.Assoc, "15s")
	setDefault(&c.Timeouts.Lease, "15s")
	setDefault(&c.Timeouts.Connect, "10s")
	setDefault(&c.Timeouts.Send, "5s")
	setDefault(&c.Timeouts.Ping, "10s")
	setDefault(&c.Timeouts.LinkPoll, "1s")
	setDefault(&c.Backoff.Base, "1s")
	setDefault(&c.Backoff.Cap, "60s")
	if c.Journal != nil {
		setDefault(&c.Journal.Database, "sensor_node")
		setDefault(&c.Journal.OperationTimeout, "5s")
		setDefault(&c.Journal.Retention, "7d")
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate 检查全部配置项，返回第一个错误
func (c *Config) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"ssid", c.SSID},
		{"credentials", c.Credentials},
		{"broker_address", c.BrokerAddress},
		{"client_identifier", c.ClientIdentifier},
		{"topic_prefix", c.TopicPrefix},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &Error{Field: r.field, Reason: ErrMissing}
		}
	}
	if len(c.ClientIdentifier) > MaxClientIdentifierLength {
		return &Error{Field: "client_identifier", Reason: ErrInvalid,
			Detail: fmt.Sprintf("%d bytes exceeds %d", len(c.ClientIdentifier), MaxClientIdentifierLength)}
	}
	if strings.ContainsAny(c.TopicPrefix, "#+") {
		return &Error{Field: "topic_prefix", Reason: ErrInvalid, Detail: "wildcards are not allowed"}
	}

	positive := []struct {
		field string
		value int
		max   int
	}{
		{"broker_port", c.BrokerPort, 65535},
		{"keep_alive_seconds", c.KeepAliveSeconds, 65535},
		{"sample_interval_seconds", c.SampleIntervalSeconds, 0},
		{"status_interval_seconds", c.StatusIntervalSeconds, 0},
	}
	for _, p := range positive {
		if p.value == 0 {
			return &Error{Field: p.field, Reason: ErrMissing}
		}
		if p.value < 0 || (p.max > 0 && p.value > p.max) {
			return &Error{Field: p.field, Reason: ErrInvalid, Detail: fmt.Sprintf("%d out of range", p.value)}
		}
	}
	if c.HeartbeatIntervalSeconds < 0 {
		return &Error{Field: "heartbeat_interval_seconds", Reason: ErrInvalid, Detail: "must not be negative"}
	}

	switch c.BrokerTransport {
	case "tcp", "websocket":
	default:
		return &Error{Field: "broker_transport", Reason: ErrInvalid, Detail: c.BrokerTransport}
	}
	switch c.Radio.Driver {
	case "host":
		if c.Radio.Interface == "" {
			return &Error{Field: "radio.interface", Reason: ErrMissing}
		}
	case "at":
		if c.Radio.SerialPort == "" {
			return &Error{Field: "radio.serial_port", Reason: ErrMissing}
		}
		if c.Radio.BaudRate <= 0 {
			return &Error{Field: "radio.baud_rate", Reason: ErrInvalid, Detail: fmt.Sprint(c.Radio.BaudRate)}
		}
		if c.BrokerTransport != "tcp" {
			return &Error{Field: "broker_transport", Reason: ErrInvalid, Detail: "the at radio only provides tcp sockets"}
		}
	default:
		return &Error{Field: "radio.driver", Reason: ErrInvalid, Detail: c.Radio.Driver}
	}
	switch c.Sensor.Driver {
	case "iio", "none":
	default:
		return &Error{Field: "sensor.driver", Reason: ErrInvalid, Detail: c.Sensor.Driver}
	}
	if c.Journal != nil && c.Journal.URI == "" {
		return &Error{Field: "journal.uri", Reason: ErrMissing}
	}

	for _, d := range c.durations() {
		parsed, err := utils.ParseStringTime(d.value)
		if err != nil {
			return &Error{Field: d.field, Reason: ErrInvalid, Detail: err.Error()}
		}
		if parsed <= 0 {
			return &Error{Field: d.field, Reason: ErrInvalid, Detail: "must be positive, got " + d.value}
		}
	}
	base := utils.MustParseStringTime(c.Backoff.Base)
	if base == 0 || utils.MustParseStringTime(c.Backoff.Cap) < base {
		return &Error{Field: "backoff", Reason: ErrInvalid, Detail: "cap must not be smaller than a non-zero base"}
	}
	return nil
}

type namedDuration struct {
	field string
	value string
}

func (c *Config) durations() []namedDuration {
	d := []namedDuration{
		{"timeouts.assoc", c.Timeouts.Assoc},
		{"timeouts.lease", c.Timeouts.Lease},
		{"timeouts.connect", c.Timeouts.Connect},
		{"timeouts.send", c.Timeouts.Send},
		{"timeouts.ping", c.Timeouts.Ping},
		{"timeouts.link_poll", c.Timeouts.LinkPoll},
		{"backoff.base", c.Backoff.Base},
		{"backoff.cap", c.Backoff.Cap},
	}
	if c.Journal != nil {
		d = append(d,
			namedDuration{"journal.operation_timeout", c.Journal.OperationTimeout},
			namedDuration{"journal.retention", c.Journal.Retention})
	}
	return d
}

// Timing 返回解析后的时长，只能在 Validate 成功后调用
func (c *Config) Timing() Timing {
	t := Timing{
		Assoc:             utils.MustParseStringTime(c.Timeouts.Assoc),
		Lease:             utils.MustParseStringTime(c.Timeouts.Lease),
		Connect:           utils.MustParseStringTime(c.Timeouts.Connect),
		Send:              utils.MustParseStringTime(c.Timeouts.Send),
		Ping:              utils.MustParseStringTime(c.Timeouts.Ping),
		LinkPoll:          utils.MustParseStringTime(c.Timeouts.LinkPoll),
		BackoffBase:       utils.MustParseStringTime(c.Backoff.Base),
		BackoffCap:        utils.MustParseStringTime(c.Backoff.Cap),
		KeepAlive:         time.Duration(c.KeepAliveSeconds) * time.Second,
		SampleInterval:    time.Duration(c.SampleIntervalSeconds) * time.Second,
		StatusInterval:    time.Duration(c.StatusIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(c.HeartbeatIntervalSeconds) * time.Second,
	}
	if c.Journal != nil {
		t.JournalTimeout = utils.MustParseStringTime(c.Journal.OperationTimeout)
		t.JournalRetention = utils.MustParseStringTime(c.Journal.Retention)
	}
	return t
}

// Redacted 返回隐藏凭据后的副本，用于打印
func (c *Config) Redacted() Config {
	out := *c
	if out.Credentials != "" {
		out.Credentials = "******"
	}
	if c.Journal != nil {
		journal := *c.Journal
		if journal.URI != "" {
			journal.URI = "******"
		}
		out.Journal = &journal
	}
	return out
}
