package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name string, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func minimalConfig() map[string]interface{} {
	return map[string]interface{}{
		"mongo": map[string]interface{}{
			"uri": "mongodb://localhost:27017",
		},
		"broker": map[string]interface{}{
			"type":    "mqtt",
			"address": "tcp://localhost:1883",
		},
	}
}

func TestLoadMinimalConfig(t *testing.T) {
	data, err := json.Marshal(minimalConfig())
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}

	cfg, err := Load(writeTempConfig(t, "config.json", data))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Defaults should be filled in
	if cfg.Topics.Prefix != "iot" {
		t.Errorf("Topics.Prefix = %q, want %q", cfg.Topics.Prefix, "iot")
	}
	if cfg.Mongo.ShadowCollection != "device_shadows" {
		t.Errorf("ShadowCollection = %q, want %q", cfg.Mongo.ShadowCollection, "device_shadows")
	}
	if cfg.Bridge.MaxReconnectTries != 10 {
		t.Errorf("MaxReconnectTries = %d, want 10", cfg.Bridge.MaxReconnectTries)
	}
	if got := cfg.Bridge.ReconnectMax(); got != 60*time.Second {
		t.Errorf("ReconnectMax() = %v, want 60s", got)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if !cfg.Logging.LogToStdout {
		t.Error("expected LogToStdout default true")
	}
}

func TestLoadYAMLConfig(t *testing.T) {
	yamlData := []byte(`
mongo:
  uri: mongodb://localhost:27017
broker:
  type: nats
  urls:
    - nats://localhost:4222
topics:
  prefix: factory
`)
	cfg, err := Load(writeTempConfig(t, "config.yaml", yamlData))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.Type != BrokerTypeNATS {
		t.Errorf("Broker.Type = %q, want nats", cfg.Broker.Type)
	}
	if cfg.Topics.Prefix != "factory" {
		t.Errorf("Topics.Prefix = %q, want factory", cfg.Topics.Prefix)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.json"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]interface{})
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(m map[string]interface{}) {},
			wantErr: false,
		},
		{
			name: "missing mongo uri",
			mutate: func(m map[string]interface{}) {
				m["mongo"] = map[string]interface{}{}
			},
			wantErr: true,
		},
		{
			name: "missing mqtt address",
			mutate: func(m map[string]interface{}) {
				m["broker"] = map[string]interface{}{"type": "mqtt"}
			},
			wantErr: true,
		},
		{
			name: "nats without urls",
			mutate: func(m map[string]interface{}) {
				m["broker"] = map[string]interface{}{"type": "nats"}
			},
			wantErr: true,
		},
		{
			name: "invalid broker type",
			mutate: func(m map[string]interface{}) {
				m["broker"] = map[string]interface{}{"type": "kafka", "address": "x"}
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			mutate: func(m map[string]interface{}) {
				m["logging"] = map[string]interface{}{"level": "verbose"}
			},
			wantErr: true,
		},
		{
			name: "tls enabled without cert",
			mutate: func(m map[string]interface{}) {
				m["broker"] = map[string]interface{}{
					"type":    "mqtt",
					"address": "ssl://localhost:8883",
					"tls":     map[string]interface{}{"enable": true},
				}
			},
			wantErr: true,
		},
		{
			name: "bad reconnect delay",
			mutate: func(m map[string]interface{}) {
				m["bridge"] = map[string]interface{}{"reconnectBaseDelay": "soon"}
			},
			wantErr: true,
		},
		{
			name: "file logging without directory",
			mutate: func(m map[string]interface{}) {
				m["logging"] = map[string]interface{}{"logToFile": true}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := minimalConfig()
			tt.mutate(m)
			data, err := json.Marshal(m)
			if err != nil {
				t.Fatalf("failed to marshal config: %v", err)
			}

			_, err = Load(writeTempConfig(t, "config.json", data))
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	data, _ := json.Marshal(minimalConfig())
	cfg, err := Load(writeTempConfig(t, "config.json", data))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg.ApplyOverrides("tcp://other:1883", "plant", ":9000", ":9100")

	if cfg.Broker.Address != "tcp://other:1883" {
		t.Errorf("Broker.Address = %q", cfg.Broker.Address)
	}
	if cfg.Topics.Prefix != "plant" {
		t.Errorf("Topics.Prefix = %q", cfg.Topics.Prefix)
	}
	if cfg.Bridge.ListenAddress != ":9000" {
		t.Errorf("Bridge.ListenAddress = %q", cfg.Bridge.ListenAddress)
	}
	if cfg.Metrics.Address != ":9100" {
		t.Errorf("Metrics.Address = %q", cfg.Metrics.Address)
	}

	// Empty overrides leave values untouched
	cfg.ApplyOverrides("", "", "", "")
	if cfg.Topics.Prefix != "plant" {
		t.Errorf("Topics.Prefix changed by empty override")
	}
}
