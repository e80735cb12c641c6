package gconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofiworker/gcap/glog"
)

type readerSection struct {
	MaxFrameSize int           `json:"max_frame_size"`
	Idle         time.Duration `json:"idle"`
}

type testConfig struct {
	Reader readerSection `json:"reader"`
	Format string        `json:"format"`
	Tags   []string      `json:"tags"`
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	assert := assert.New(t)

	path := writeFile(t, "gcap.yaml", ""+
		"reader:\n"+
		"  max_frame_size: 1024\n"+
		"  idle: 250ms\n"+
		"format: pcap\n"+
		"tags: a,b\n")
	t.Setenv("GCAPTEST_FORMAT", "pcapng")

	c, err := New(WithFile(path), WithEnvPrefix("GCAPTEST"), WithLogger(glog.NewNop()))
	require.NoError(t, err)

	var cfg testConfig
	require.NoError(t, c.Unmarshal(&cfg))
	assert.Equal(1024, cfg.Reader.MaxFrameSize)
	assert.Equal(250*time.Millisecond, cfg.Reader.Idle)
	assert.Equal("pcapng", cfg.Format)
	assert.Equal([]string{"a", "b"}, cfg.Tags)
	assert.Equal(path, c.ConfigFileUsed())
}

func TestMissingFileUsesDefaults(t *testing.T) {
	c, err := New(
		WithName("does-not-exist"),
		WithPaths(t.TempDir()),
		WithDefaults(map[string]interface{}{"reader.max_frame_size": 4096}),
		WithLogger(glog.NewNop()),
	)
	require.NoError(t, err)

	var cfg testConfig
	require.NoError(t, c.Unmarshal(&cfg))
	assert.Equal(t, 4096, cfg.Reader.MaxFrameSize)
	assert.Empty(t, c.ConfigFileUsed())
}

func TestCustomDecodeHook(t *testing.T) {
	path := writeFile(t, "gcap.yaml", "format: PCAPNG\nreader:\n  idle: 1s\n")

	upper := mapstructure.DecodeHookFuncType(func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() == reflect.String && to.Kind() == reflect.String {
			return strings.ToLower(data.(string)), nil
		}
		return data, nil
	})

	c, err := New(WithFile(path), WithLogger(glog.NewNop()))
	require.NoError(t, err)

	var cfg testConfig
	require.NoError(t, c.Unmarshal(&cfg, WithDecodeHooks(upper)))
	assert.Equal(t, "pcapng", cfg.Format)
	assert.Equal(t, time.Second, cfg.Reader.Idle)
}

func TestErrorUnused(t *testing.T) {
	path := writeFile(t, "gcap.yaml", "format: pcap\nunknown_key: 1\n")
	c, err := New(WithFile(path), WithLogger(glog.NewNop()))
	require.NoError(t, err)

	var cfg testConfig
	assert.Error(t, c.Unmarshal(&cfg, WithErrorUnused(true)))
}

func TestInvalidFile(t *testing.T) {
	path := writeFile(t, "gcap.yaml", "format: [unterminated\n")
	c, err := New(WithFile(path), WithLogger(glog.NewNop()))
	require.NoError(t, err)
	assert.Error(t, c.Load())
}

func TestWatchTriggersCallback(t *testing.T) {
	path := writeFile(t, "gcap.yaml", "format: pcap\n")
	changed := make(chan string, 4)

	c, err := New(
		WithFile(path),
		WithLogger(glog.NewNop()),
		WithOnChangeCallback(func(u Unmarshaler) {
			var cfg testConfig
			if err := u.Unmarshal(&cfg); err == nil {
				changed <- cfg.Format
			}
		}),
	)
	require.NoError(t, err)
	require.NoError(t, c.Load())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("format: pcapng\n"), 0o644))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-changed:
			if f == "pcapng" {
				return
			}
		case <-deadline:
			t.Fatal("config change callback not triggered")
		}
	}
}
