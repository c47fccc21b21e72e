package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesift/rulesift/runtime"
)

type stubSourceFactory struct {
	validateErr error
}

func (f stubSourceFactory) Create(context.Context, SourceConfig) (runtime.RecordSource, error) {
	return runtime.NewMemoryStorage(sampleRecords), nil
}

func (f stubSourceFactory) ValidateConfig(SourceConfig) error { return f.validateErr }

func TestRegistrySources(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterSourceType("stub", stubSourceFactory{}))
	require.NoError(t, reg.RegisterSourceType("broken", stubSourceFactory{validateErr: errors.New("bad path")}))
	require.Error(t, reg.RegisterSourceType("", stubSourceFactory{}))
	require.Error(t, reg.RegisterSourceType("nil", nil))

	assert.Equal(t, []string{"broken", "stub"}, reg.SourceTypes())

	src, err := reg.CreateSource(context.Background(), SourceConfig{Type: "stub"})
	require.NoError(t, err)
	records, err := src.FetchRecords(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)

	_, err = reg.CreateSource(context.Background(), SourceConfig{Type: "broken"})
	require.ErrorContains(t, err, "bad path")

	_, err = reg.CreateSource(context.Background(), SourceConfig{Type: "nope"})
	require.ErrorIs(t, err, ErrUnknownSourceType)

	_, err = reg.CreateSink(context.Background(), SinkConfig{Type: "nope"})
	require.ErrorIs(t, err, ErrUnknownSinkType)
}

func TestDecodeOptions(t *testing.T) {
	var cfg struct {
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
		Watch    bool          `yaml:"watch"`
		Brokers  []string      `yaml:"brokers"`
	}
	err := DecodeOptions(map[string]interface{}{
		"path":     "users.json",
		"interval": "5s",
		"watch":    true,
		"brokers":  []interface{}{"a:9092", "b:9092"},
	}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, "users.json", cfg.Path)
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.True(t, cfg.Watch)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers)

	require.NoError(t, DecodeOptions(nil, &cfg))
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "", ResolvePath("/etc", ""))
	assert.Equal(t, "/data/users.json", ResolvePath("/etc", "/data/users.json"))
	assert.Equal(t, "/etc/rulesift/users.json", ResolvePath("/etc/rulesift", "users.json"))
	assert.Equal(t, "users.json", ResolvePath("", "users.json"))
}
