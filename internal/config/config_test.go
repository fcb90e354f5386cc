package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
	"ssid": "home",
	"credentials": "secret",
	"broker_address": "192.168.1.10",
	"broker_port": 1883,
	"client_identifier": "esp32-c3-003",
	"topic_prefix": "esp32",
	"keep_alive_seconds": 60,
	"sample_interval_seconds": 30,
	"status_interval_seconds": 300
}`

const validYAML = `
ssid: home
credentials: secret
broker_address: broker.local
broker_port: 8083
client_identifier: esp32-c3-003
topic_prefix: esp32
keep_alive_seconds: 60
sample_interval_seconds: 30
status_interval_seconds: 300
broker_transport: websocket
radio:
  interface: wlp2s0
timeouts:
  connect: 3s
journal:
  uri: mongodb://localhost:27017
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.json", validJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeviceID != "esp32-c3-003" {
		t.Errorf("device_id should default to the client identifier, got %q", cfg.DeviceID)
	}
	if cfg.SensorKind != "bme280" || cfg.BrokerTransport != "tcp" || cfg.Radio.Driver != "host" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Journal != nil {
		t.Error("journal should stay disabled when not configured")
	}
	timing := cfg.Timing()
	if timing.Assoc != 15*time.Second || timing.BackoffCap != time.Minute {
		t.Errorf("unexpected timing %+v", timing)
	}
	if timing.KeepAlive != time.Minute || timing.SampleInterval != 30*time.Second || timing.StatusInterval != 5*time.Minute {
		t.Errorf("unexpected intervals %+v", timing)
	}
	if timing.HeartbeatInterval != 0 {
		t.Error("heartbeat should be off by default")
	}
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BrokerTransport != "websocket" || cfg.Radio.Interface != "wlp2s0" || cfg.WebSocketPath != "/mqtt" {
		t.Errorf("unexpected config %+v", cfg)
	}
	timing := cfg.Timing()
	if timing.Connect != 3*time.Second {
		t.Errorf("Connect = %s", timing.Connect)
	}
	if timing.JournalRetention != 7*24*time.Hour || timing.JournalTimeout != 5*time.Second {
		t.Errorf("unexpected journal timing %+v", timing)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	json := strings.Replace(validJSON, `"ssid"`, `"unknown": 1, "ssid"`, 1)
	if _, err := Load(writeFile(t, "config.json", json)); err == nil {
		t.Error("unknown JSON field should be rejected")
	}
	if _, err := Load(writeFile(t, "config.yml", validYAML+"extra: true\n")); err == nil {
		t.Error("unknown YAML field should be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
		reason error
	}{
		{"client id too long", func(c *Config) { c.ClientIdentifier = strings.Repeat("a", 24) }, "client_identifier", ErrInvalid},
		{"missing broker address", func(c *Config) { c.BrokerAddress = "" }, "broker_address", ErrMissing},
		{"missing ssid", func(c *Config) { c.SSID = " " }, "ssid", ErrMissing},
		{"missing keep alive", func(c *Config) { c.KeepAliveSeconds = 0 }, "keep_alive_seconds", ErrMissing},
		{"port out of range", func(c *Config) { c.BrokerPort = 70000 }, "broker_port", ErrInvalid},
		{"negative sample interval", func(c *Config) { c.SampleIntervalSeconds = -1 }, "sample_interval_seconds", ErrInvalid},
		{"wildcard prefix", func(c *Config) { c.TopicPrefix = "esp32/#" }, "topic_prefix", ErrInvalid},
		{"bad transport", func(c *Config) { c.BrokerTransport = "udp" }, "broker_transport", ErrInvalid},
		{"at without serial port", func(c *Config) { c.Radio.Driver = "at"; c.Radio.SerialPort = "" }, "radio.serial_port", ErrMissing},
		{"at with websocket", func(c *Config) { c.Radio.Driver = "at"; c.Radio.SerialPort = "/dev/ttyUSB0"; c.BrokerTransport = "websocket" }, "broker_transport", ErrInvalid},
		{"bad duration", func(c *Config) { c.Timeouts.Ping = "soon" }, "timeouts.ping", ErrInvalid},
		{"cap below base", func(c *Config) { c.Backoff.Base = "10s"; c.Backoff.Cap = "1s" }, "backoff", ErrInvalid},
		{"journal without uri", func(c *Config) { c.Journal = &JournalConfig{} }, "journal.uri", ErrMissing},
		{"zero link poll", func(c *Config) { c.Timeouts.LinkPoll = "0s" }, "timeouts.link_poll", ErrInvalid},
		{"zero connect timeout", func(c *Config) { c.Timeouts.Connect = "0s" }, "timeouts.connect", ErrInvalid},
		{"zero ping timeout", func(c *Config) { c.Timeouts.Ping = "0ms" }, "timeouts.ping", ErrInvalid},
		{"negative assoc timeout", func(c *Config) { c.Timeouts.Assoc = "-5s" }, "timeouts.assoc", ErrInvalid},
		{"zero journal timeout", func(c *Config) {
			c.Journal = &JournalConfig{URI: "mongodb://localhost:27017", OperationTimeout: "0s"}
		}, "journal.operation_timeout", ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseJSON([]byte(validJSON))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			cfg.ApplyDefaults()
			err = cfg.Validate()
			var cfgErr *Error
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if cfgErr.Field != tt.field || !errors.Is(err, tt.reason) {
				t.Errorf("got %v, want field %s reason %v", err, tt.field, tt.reason)
			}
		})
	}
}

func TestClientIdentifierBoundary(t *testing.T) {
	cfg, _ := ParseJSON([]byte(validJSON))
	cfg.ClientIdentifier = strings.Repeat("a", MaxClientIdentifierLength)
	if err := cfg.Validate(); err != nil {
		t.Errorf("23-byte identifier should be accepted: %v", err)
	}
}

func TestRedacted(t *testing.T) {
	cfg, _ := ParseJSON([]byte(validJSON))
	cfg.Journal = &JournalConfig{URI: "mongodb://user:pw@host"}
	out := cfg.Redacted()
	if out.Credentials == "secret" || out.Journal.URI == cfg.Journal.URI {
		t.Errorf("secrets leaked: %+v", out)
	}
	if cfg.Credentials != "secret" {
		t.Error("Redacted must not modify the original")
	}
}
