package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_RequiresSerialDevice(t *testing.T) {
	path := writeTempConfig(t, "serial: {}\n")
	_, err := Load(path)
	requireErrEq(t, err, "serial.device is required")
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "serial:\n  device: /dev/ttyACM0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Baud != 115200 {
		t.Fatalf("baud=%d want 115200", cfg.Serial.Baud)
	}
	if cfg.Publish.Listen != ":8765" {
		t.Fatalf("publish.listen=%q", cfg.Publish.Listen)
	}
	if cfg.Extrapolation.Interval.Std() != 100*time.Millisecond || cfg.Extrapolation.Horizon.Std() != time.Second {
		t.Fatalf("extrapolation defaults: %+v", cfg.Extrapolation)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeTempConfig(t, `
serial:
  device: /dev/ttyACM0
  baud: 460800
  read_timeout: 2s
source:
  mode: nmea
ntrip:
  enable: true
  host: caster.example.com
  mountpoint: RTK1
  username: user
  password: pass
  send_gga: true
  gga_interval: 15s
publish:
  listen: ":9000"
  max_clients: 8
  client_queue: 64
extrapolation:
  enable: true
  interval: 50ms
  horizon: 2s
web:
  enable: true
mqtt:
  enable: true
  broker: tcp://localhost:1883
recorder:
  enable: true
  path: /var/lib/gnss/samples.db
led:
  enable: true
  pin: 18
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Baud != 460800 || cfg.Serial.ReadTimeout.Std() != 2*time.Second {
		t.Fatalf("serial: %+v", cfg.Serial)
	}
	if cfg.Source.Mode != "nmea" {
		t.Fatalf("mode=%q", cfg.Source.Mode)
	}
	if cfg.NTRIP.Port != 2101 {
		t.Fatalf("ntrip port default: %d", cfg.NTRIP.Port)
	}
	if !cfg.NTRIP.SendGGA || cfg.NTRIP.GGAInterval.Std() != 15*time.Second {
		t.Fatalf("ntrip gga: %+v", cfg.NTRIP)
	}
	if cfg.Publish.Listen != ":9000" || cfg.Publish.MaxClients != 8 {
		t.Fatalf("publish: %+v", cfg.Publish)
	}
	if cfg.Extrapolation.Interval.Std() != 50*time.Millisecond || cfg.Extrapolation.Horizon.Std() != 2*time.Second {
		t.Fatalf("extrapolation: %+v", cfg.Extrapolation)
	}
	if cfg.Web.Listen != ":8080" {
		t.Fatalf("web listen default: %q", cfg.Web.Listen)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad source mode",
			yaml: "serial:\n  device: /dev/ttyACM0\nsource:\n  mode: sirf\n",
			want: `source.mode must be "ubx" or "nmea", got "sirf"`,
		},
		{
			name: "ntrip without host",
			yaml: "serial:\n  device: /dev/ttyACM0\nntrip:\n  enable: true\n  mountpoint: RTK1\n",
			want: "ntrip.host is required when ntrip.enable is true",
		},
		{
			name: "ntrip without mountpoint",
			yaml: "serial:\n  device: /dev/ttyACM0\nntrip:\n  enable: true\n  host: caster\n",
			want: "ntrip.mountpoint is required when ntrip.enable is true",
		},
		{
			name: "interval beyond horizon",
			yaml: "serial:\n  device: /dev/ttyACM0\nextrapolation:\n  interval: 5s\n  horizon: 1s\n",
			want: "extrapolation.interval must not exceed extrapolation.horizon",
		},
		{
			name: "mqtt without broker",
			yaml: "serial:\n  device: /dev/ttyACM0\nmqtt:\n  enable: true\n",
			want: "mqtt.broker is required when mqtt.enable is true",
		},
		{
			name: "recorder without path",
			yaml: "serial:\n  device: /dev/ttyACM0\nrecorder:\n  enable: true\n",
			want: "recorder.path is required when recorder.enable is true",
		},
		{
			name: "led without pin",
			yaml: "serial:\n  device: /dev/ttyACM0\nled:\n  enable: true\n",
			want: "led.pin is required when led.enable is true",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.yaml))
			requireErrEq(t, err, tc.want)
		})
	}
}
