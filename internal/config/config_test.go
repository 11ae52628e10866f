package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTOML = `
[serial]
port = "/dev/ttyACM0"
baud = 115200

[screen]
x = 100
y = 200
w = 400
h = 120

[macro]
origin = { x = 500, y = 300 }
steps = [
  { dx = 10, dy = 0 },
  { dx = 0, dy = 24 },
  { dx = -10, dy = 0 },
]

[queue]
hotkey = "CTRL+ENTER"
max_attempts = 5

[cycle]
names = ["alice", "bob", "carol"]
point1 = { x = 50, y = 60 }
point2 = { x = 70, y = 80 }
hotkey = "CTRL+ENTER"

[delay]
min_ms = 200
max_ms = 400
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validTOML))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.Baud)
	assert.Equal(t, 400, cfg.Region().W)
	assert.Len(t, cfg.MacroSteps(), 3)
	assert.Equal(t, []string{"alice", "bob", "carol"}, cfg.Cycle.Names)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)

	min, max := cfg.DelayBounds()
	assert.Equal(t, 200*time.Millisecond, min)
	assert.Equal(t, 400*time.Millisecond, max)

	// Defaults fill omitted fields.
	assert.Equal(t, "tesseract", cfg.OCR.Binary)
	assert.Equal(t, 60, cfg.Screen.ChangeTimeoutSec)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"missing port", `
[screen]
w = 10
h = 10
[macro]
steps = [{ dx = 1, dy = 1 }]
`},
		{"zero region", `
[serial]
port = "/dev/ttyACM0"
[macro]
steps = [{ dx = 1, dy = 1 }]
`},
		{"no macro steps", `
[serial]
port = "/dev/ttyACM0"
[screen]
w = 10
h = 10
`},
		{"inverted delay bounds", `
[serial]
port = "/dev/ttyACM0"
[screen]
w = 10
h = 10
[macro]
steps = [{ dx = 1, dy = 1 }]
[delay]
min_ms = 500
max_ms = 100
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.toml))
			assert.Error(t, err)
		})
	}
}

func TestWatchReloadsValidEdit(t *testing.T) {
	path := writeConfig(t, validTOML)
	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, store)
	}()
	time.Sleep(50 * time.Millisecond)

	edited := strings.Replace(validTOML,
		`names = ["alice", "bob", "carol"]`,
		`names = ["dave"]`, 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	require.Eventually(t, func() bool {
		names := store.CycleNames()
		return len(names) == 1 && names[0] == "dave"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestWatchRejectsBrokenEdit(t *testing.T) {
	path := writeConfig(t, validTOML)
	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Watch(ctx, path, store) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("not toml at all ["), 0o644))
	time.Sleep(200 * time.Millisecond)

	// The last valid snapshot survives.
	assert.Equal(t, "/dev/ttyACM0", store.Get().Serial.Port)
	assert.Equal(t, []string{"alice", "bob", "carol"}, store.CycleNames())
}
