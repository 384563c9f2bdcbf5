package transformer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/efergy-bridge/config"
	"github.com/eddielth/efergy-bridge/validator"
)

func TestPayload_Default(t *testing.T) {
	m, err := NewManager(config.TransformerConfig{})
	require.NoError(t, err)
	assert.False(t, m.Scripted())

	payload, err := m.Payload(validator.Reading{ConsumptionWatts: 1234.57})
	require.NoError(t, err)
	assert.JSONEq(t, `{"consumption_watts": 1234.57}`, string(payload))
	assert.Equal(t, `{"consumption_watts":1234.57}`, string(payload))
}

func TestPayload_InlineScript(t *testing.T) {
	m, err := NewManager(config.TransformerConfig{
		ScriptCode: `
function transform(msg) {
	return {
		consumption_watts: msg.consumption_watts,
		consumption_kw: round(msg.consumption_watts / 1000, 3),
		unit: "W"
	};
}`,
	})
	require.NoError(t, err)
	assert.True(t, m.Scripted())

	payload, err := m.Payload(validator.Reading{ConsumptionWatts: 1234.57})
	require.NoError(t, err)
	assert.JSONEq(t, `{"consumption_watts":1234.57,"consumption_kw":1.235,"unit":"W"}`, string(payload))
}

func TestPayload_ScriptFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.js")
	require.NoError(t, os.WriteFile(path, []byte(`function transform(m) { return {w: m.consumption_watts}; }`), 0o644))

	m, err := NewManager(config.TransformerConfig{ScriptPath: path})
	require.NoError(t, err)

	payload, err := m.Payload(validator.Reading{ConsumptionWatts: 10})
	require.NoError(t, err)
	assert.JSONEq(t, `{"w":10}`, string(payload))
}

func TestNewManager_BadScripts(t *testing.T) {
	tests := map[string]config.TransformerConfig{
		"syntax error":   {ScriptCode: "function transform( {"},
		"no transform":   {ScriptCode: "var x = 1;"},
		"not a function": {ScriptCode: "var transform = 42;"},
		"missing file":   {ScriptPath: "/nonexistent/payload.js"},
	}

	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewManager(cfg)
			assert.Error(t, err)
		})
	}
}

func TestPayload_ScriptErrors(t *testing.T) {
	tests := map[string]string{
		"throws":          `function transform(m) { throw new Error("boom"); }`,
		"returns nothing": `function transform(m) { }`,
		"returns null":    `function transform(m) { return null; }`,
	}

	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			m, err := NewManager(config.TransformerConfig{ScriptCode: code})
			require.NoError(t, err)

			_, err = m.Payload(validator.Reading{ConsumptionWatts: 1})
			assert.Error(t, err)
		})
	}
}

func TestReload(t *testing.T) {
	m, err := NewManager(config.TransformerConfig{ScriptCode: `function transform(m) { return {a: 1}; }`})
	require.NoError(t, err)

	// A broken script keeps the previous one.
	require.Error(t, m.Reload(config.TransformerConfig{ScriptCode: "function ("}))
	payload, err := m.Payload(validator.Reading{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(payload))

	// An empty configuration restores the plain message.
	require.NoError(t, m.Reload(config.TransformerConfig{}))
	assert.False(t, m.Scripted())
	payload, err = m.Payload(validator.Reading{ConsumptionWatts: 5.5})
	require.NoError(t, err)
	assert.Equal(t, `{"consumption_watts":5.5}`, string(payload))
}

func TestManager_PayloadDuringReload(t *testing.T) {
	m, err := NewManager(config.TransformerConfig{})
	require.NoError(t, err)

	scripted := config.TransformerConfig{ScriptCode: `function transform(m) { return {watts: m.consumption_watts}; }`}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			cfg := config.TransformerConfig{}
			if i%2 == 0 {
				cfg = scripted
			}
			assert.NoError(t, m.Reload(cfg))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			payload, err := m.Payload(validator.Reading{ConsumptionWatts: 5})
			assert.NoError(t, err)
			assert.Contains(t, []string{`{"consumption_watts":5}`, `{"watts":5}`}, string(payload))
		}
	}()
	wg.Wait()
}
