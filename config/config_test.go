package config

import (
	"testing"
)

func TestValidateServerConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  ServerConfig
		wantErr bool
	}{
		{
			name: "valid config",
			config: ServerConfig{
				Port:           8080,
				Host:           "0.0.0.0",
				MaxConnections: 1000,
				ReadTimeout:    30,
			},
			wantErr: false,
		},
		{
			name:    "invalid port - too low",
			config:  ServerConfig{Port: 0},
			wantErr: true,
		},
		{
			name:    "invalid port - too high",
			config:  ServerConfig{Port: 70000},
			wantErr: true,
		},
		{
			name:    "negative read timeout",
			config:  ServerConfig{Port: 8080, ReadTimeout: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerConfig(&tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateServerConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePartitionConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  PartitionConfig
		wantErr bool
	}{
		{
			name:    "valid bounds",
			config:  PartitionConfig{MinUnitS: 15, MaxUnitS: 45},
			wantErr: false,
		},
		{
			name:    "min greater than max",
			config:  PartitionConfig{MinUnitS: 50, MaxUnitS: 45},
			wantErr: true,
		},
		{
			name:    "zero min",
			config:  PartitionConfig{MinUnitS: 0, MaxUnitS: 45},
			wantErr: true,
		},
		{
			name:    "equal bounds are allowed",
			config:  PartitionConfig{MinUnitS: 30, MaxUnitS: 30},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePartitionConfig(&tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePartitionConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePoolConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  PoolConfig{DeviceList: "0,1", Precision: "float16", RestartLimit: 1, BinaryPath: "./bin/transcribe-worker"},
			wantErr: false,
		},
		{
			name:    "empty device list",
			config:  PoolConfig{DeviceList: "  ", Precision: "float16"},
			wantErr: true,
		},
		{
			name:    "invalid precision",
			config:  PoolConfig{DeviceList: "0", Precision: "double"},
			wantErr: true,
		},
		{
			name:    "negative restart limit",
			config:  PoolConfig{DeviceList: "0", Precision: "int8", RestartLimit: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePoolConfig(&tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePoolConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePostProcessConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  PostProcessConfig
		wantErr bool
	}{
		{name: "valid", config: PostProcessConfig{MaxCharsPerLine: 80}, wantErr: false},
		{name: "too low", config: PostProcessConfig{MaxCharsPerLine: 10}, wantErr: true},
		{name: "too high", config: PostProcessConfig{MaxCharsPerLine: 200}, wantErr: true},
		{name: "lower bound inclusive", config: PostProcessConfig{MaxCharsPerLine: 40}, wantErr: false},
		{name: "upper bound inclusive", config: PostProcessConfig{MaxCharsPerLine: 120}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePostProcessConfig(&tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePostProcessConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateLoggingConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  LoggingConfig
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  LoggingConfig{Level: "info", Format: "json", Output: "both"},
			wantErr: false,
		},
		{
			name:    "invalid level",
			config:  LoggingConfig{Level: "verbose", Format: "json", Output: "console"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			config:  LoggingConfig{Level: "info", Format: "xml", Output: "console"},
			wantErr: true,
		},
		{
			name:    "invalid output",
			config:  LoggingConfig{Level: "info", Format: "json", Output: "syslog"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateLoggingConfig(&tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateLoggingConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDevices(t *testing.T) {
	tests := []struct {
		name string
		list string
		want int
	}{
		{name: "single device", list: "0", want: 1},
		{name: "multiple devices", list: "0,1,2", want: 3},
		{name: "whitespace trimmed", list: " 0 , 1 ", want: 2},
		{name: "empty entries dropped", list: "0,,1", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Pool: PoolConfig{DeviceList: tt.list}}
			got := cfg.Devices()
			if len(got) != tt.want {
				t.Errorf("Devices() = %v, want %d entries", got, tt.want)
			}
		})
	}
}

func TestConfigAddr(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "127.0.0.1", Port: 9000}}
	if got := cfg.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q, want %q", got, "127.0.0.1:9000")
	}
}
