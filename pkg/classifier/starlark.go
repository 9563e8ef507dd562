package classifier

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/leadflow/leadflow/pkg/engine"
)

// StarlarkModel classifies and drafts with a user-supplied Starlark script.
//
// The script must define classify(text) returning a dict with "intent" and
// "confidence", and optionally "preferred_slot", "preferred_day",
// "preferred_time" and "reason". It may define draft(ctx), where ctx is a
// dict with lead_name, state, last_message and purpose, returning a string.
// Scripts can call rules(text) to get the built-in classification as a dict.
type StarlarkModel struct {
	name     string
	classify starlark.Callable
	draft    starlark.Callable
	timeout  time.Duration
	maxSteps uint64
}

var _ engine.LanguageModel = (*StarlarkModel)(nil)

// LoadStarlarkModel reads and compiles a script from path.
func LoadStarlarkModel(path string, timeout time.Duration) (*StarlarkModel, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier script: %w", err)
	}
	return NewStarlarkModel(path, string(src), timeout)
}

// NewStarlarkModel compiles src. filename is used in error messages.
func NewStarlarkModel(filename, src string, timeout time.Duration) (*StarlarkModel, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	thread := newThread("load")
	globals, err := starlark.ExecFile(thread, filename, src, predeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to load classifier script %s: %w", filename, err)
	}
	globals.Freeze()

	m := &StarlarkModel{name: "starlark", timeout: timeout, maxSteps: 1_000_000}

	fn, ok := globals["classify"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("classifier script %s must define classify(text)", filename)
	}
	m.classify = fn

	if fn, ok := globals["draft"].(starlark.Callable); ok {
		m.draft = fn
	}
	return m, nil
}

func (m *StarlarkModel) Name() string { return m.name }

// Classify calls the script's classify(text).
func (m *StarlarkModel) Classify(ctx context.Context, text string) (engine.MessageClassification, error) {
	v, err := m.call(ctx, "classify", m.classify, starlark.String(text))
	if err != nil {
		return engine.MessageClassification{}, err
	}

	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return engine.MessageClassification{}, fmt.Errorf("classify result: %w", err)
	}
	out, ok := goVal.(map[string]interface{})
	if !ok {
		return engine.MessageClassification{}, fmt.Errorf("classify must return a dict, got %s", v.Type())
	}
	return classificationFromMap(out)
}

// Draft calls the script's draft(ctx). Scripts without draft return an error
// so the caller falls back to the rule model.
func (m *StarlarkModel) Draft(ctx context.Context, dc engine.DraftContext) (string, error) {
	if m.draft == nil {
		return "", fmt.Errorf("classifier script does not define draft")
	}

	arg, err := toStarlarkValue(map[string]interface{}{
		"lead_name":    dc.LeadName,
		"state":        string(dc.State),
		"last_message": dc.LastMessage,
		"purpose":      dc.Purpose,
	})
	if err != nil {
		return "", err
	}

	v, err := m.call(ctx, "draft", m.draft, arg)
	if err != nil {
		return "", err
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("draft must return a string, got %s", v.Type())
	}
	return strings.TrimSpace(s), nil
}

// call runs fn on a fresh thread, cancelling it when ctx ends or the
// timeout elapses.
func (m *StarlarkModel) call(ctx context.Context, name string, fn starlark.Callable, args ...starlark.Value) (starlark.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	thread := newThread(name)
	thread.SetMaxExecutionSteps(m.maxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	v, err := starlark.Call(thread, fn, starlark.Tuple(args), nil)
	if err != nil {
		return nil, fmt.Errorf("starlark %s failed: %w", name, err)
	}
	return v, nil
}

func classificationFromMap(out map[string]interface{}) (engine.MessageClassification, error) {
	var c engine.MessageClassification

	intent, _ := out["intent"].(string)
	c.Intent = engine.Intent(intent)
	if err := c.Intent.Validate(); err != nil {
		return c, err
	}

	switch conf := out["confidence"].(type) {
	case float64:
		c.Confidence = conf
	case int64:
		c.Confidence = float64(conf)
	default:
		return c, fmt.Errorf("classify result needs a numeric confidence")
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return c, fmt.Errorf("confidence %v out of range [0, 1]", c.Confidence)
	}

	if slot, ok := out["preferred_slot"].(int64); ok {
		c.Extracted.PreferredSlot = int(slot)
	}
	c.Extracted.PreferredDay, _ = out["preferred_day"].(string)
	c.Extracted.PreferredTime, _ = out["preferred_time"].(string)
	c.Extracted.Reason, _ = out["reason"].(string)
	return c, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  "classifier/" + name,
		Print: func(*starlark.Thread, string) {},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlarkstruct.Default,
		"rules":  starlark.NewBuiltin("rules", builtinRules),
	}
}

// builtinRules exposes the keyword classifier to scripts.
func builtinRules(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text); err != nil {
		return nil, err
	}
	c := classifyRules(text)
	return toStarlarkValue(map[string]interface{}{
		"intent":         string(c.Intent),
		"confidence":     c.Confidence,
		"preferred_slot": c.Extracted.PreferredSlot,
		"preferred_day":  c.Extracted.PreferredDay,
		"preferred_time": c.Extracted.PreferredTime,
		"reason":         c.Extracted.Reason,
	})
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
