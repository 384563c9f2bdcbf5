package transformer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/eddielth/efergy-bridge/config"
	"github.com/eddielth/efergy-bridge/logger"
	"github.com/eddielth/efergy-bridge/validator"
)

// Manager turns readings into outbound payloads. Without a script the
// payload is the JSON encoding of Message. With a script, the script's
// transform(message) result is encoded instead.
type Manager struct {
	script *Transformer
	mutex  sync.Mutex
}

// Transformer is a compiled payload script.
type Transformer struct {
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
}

// NewManager creates a payload manager from the optional script settings.
func NewManager(cfg config.TransformerConfig) (*Manager, error) {
	m := &Manager{}
	if err := m.Reload(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Scripted reports whether a payload script is active.
func (m *Manager) Scripted() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.script != nil
}

// Payload serializes r for publishing.
func (m *Manager) Payload(r validator.Reading) ([]byte, error) {
	msg := Message{ConsumptionWatts: r.ConsumptionWatts}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	script := m.script

	if script == nil {
		return json.Marshal(msg)
	}

	input := map[string]interface{}{
		"consumption_watts": msg.ConsumptionWatts,
	}
	result, err := script.transform(goja.Undefined(), script.vm.ToValue(input))
	if err != nil {
		return nil, fmt.Errorf("executing transform: %v", err)
	}

	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, fmt.Errorf("transform returned %s", result)
	}

	payload, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("serializing transform result: %v", err)
	}
	return payload, nil
}

// Reload swaps the payload script. An empty configuration restores the
// plain message; a broken script leaves the current one in place.
func (m *Manager) Reload(cfg config.TransformerConfig) error {
	var scriptCode string

	switch {
	case cfg.ScriptCode != "":
		scriptCode = cfg.ScriptCode
	case cfg.ScriptPath != "":
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return fmt.Errorf("loading script file %s: %v", cfg.ScriptPath, err)
		}
		scriptCode = string(scriptBytes)
	}

	var script *Transformer
	if scriptCode != "" {
		var err error
		script, err = newTransformer(scriptCode, cfg.ScriptPath)
		if err != nil {
			return fmt.Errorf("creating transformer: %v", err)
		}
	}

	m.mutex.Lock()
	m.script = script
	m.mutex.Unlock()

	if script != nil {
		logger.Info("payload transformer loaded (%s)", describe(cfg))
	}
	return nil
}

func describe(cfg config.TransformerConfig) string {
	if cfg.ScriptCode != "" {
		return "inline script"
	}
	return cfg.ScriptPath
}

// newTransformer compiles a script and looks up its transform function.
func newTransformer(scriptCode, scriptPath string) (*Transformer, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.Unix(timestamp, 0).Format(format)
	})

	_ = vm.Set("now", func() int64 {
		return time.Now().Unix()
	})

	_ = vm.Set("round", func(value float64, places int) float64 {
		p := math.Pow(10, float64(places))
		return math.Round(value*p) / p
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("running script: %v", err)
	}

	transformValue := vm.Get("transform")
	if transformValue == nil {
		return nil, fmt.Errorf("script does not define a 'transform' function")
	}

	transform, ok := goja.AssertFunction(transformValue)
	if !ok {
		return nil, fmt.Errorf("'transform' is not a function")
	}

	return &Transformer{
		vm:         vm,
		transform:  transform,
		scriptPath: scriptPath,
	}, nil
}
