package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/piiagent/integrator/pkg/engine"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultStarlarkTimeout bounds a single evaluation.
const DefaultStarlarkTimeout = 5 * time.Second

// StarlarkPolicy is an engine.AutoApprovalPolicy defined by a Starlark script.
// The script must define evaluate(input) returning either a bool or a dict with
// keys "approve" (bool) and "reasons" (list of strings). input is a dict with
// the same shape as the Rego input document.
type StarlarkPolicy struct {
	logger  zerolog.Logger
	name    string
	program *starlark.Program
	timeout time.Duration
}

var _ engine.AutoApprovalPolicy = (*StarlarkPolicy)(nil)

// NewStarlarkPolicy compiles script. name is used in error positions.
func NewStarlarkPolicy(logger zerolog.Logger, name, script string, timeout time.Duration) (*StarlarkPolicy, error) {
	if timeout <= 0 {
		timeout = DefaultStarlarkTimeout
	}
	_, program, err := starlark.SourceProgram(name, script, predeclared().Has)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}

	p := &StarlarkPolicy{
		logger:  logger.With().Str("component", "starlark-policy").Str("script", name).Logger(),
		name:    name,
		program: program,
		timeout: timeout,
	}

	// Resolve evaluate once so a script without it is rejected up front.
	if _, err := p.entrypoint(&starlark.Thread{Name: "check"}); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadStarlarkPolicy reads and compiles a script file.
func LoadStarlarkPolicy(logger zerolog.Logger, path string, timeout time.Duration) (*StarlarkPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return NewStarlarkPolicy(logger, path, string(data), timeout)
}

// Evaluate implements engine.AutoApprovalPolicy.
func (p *StarlarkPolicy) Evaluate(ctx context.Context, input engine.AutoApprovalInput) engine.AutoApprovalResult {
	result, err := p.evaluate(ctx, input)
	if err != nil {
		p.logger.Error().Err(err).Msg("Policy evaluation failed")
		return manualResult("starlark", fmt.Sprintf("policy evaluation failed: %v", err))
	}
	return result
}

func (p *StarlarkPolicy) evaluate(ctx context.Context, input engine.AutoApprovalInput) (engine.AutoApprovalResult, error) {
	evalCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "autoapproval",
		Print: func(_ *starlark.Thread, msg string) {
			p.logger.Debug().Str("output", msg).Msg("Script print")
		},
	}
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	fn, err := p.entrypoint(thread)
	if err != nil {
		return engine.AutoApprovalResult{}, err
	}

	arg, err := inputValue(input)
	if err != nil {
		return engine.AutoApprovalResult{}, err
	}

	out, err := starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return engine.AutoApprovalResult{}, fmt.Errorf("evaluate failed: %w", err)
	}
	return decode(out)
}

// entrypoint runs the program's top level and returns its evaluate function.
func (p *StarlarkPolicy) entrypoint(thread *starlark.Thread) (starlark.Callable, error) {
	globals, err := p.program.Init(thread, predeclared())
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	fn, ok := globals["evaluate"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s does not define evaluate(input)", p.name)
	}
	return fn, nil
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{"struct": starlarkstruct.Default}
}

// decode converts the script's return value into a decision.
func decode(v starlark.Value) (engine.AutoApprovalResult, error) {
	result := engine.AutoApprovalResult{Policy: "starlark"}

	switch val := v.(type) {
	case starlark.Bool:
		result.ShouldAutoApprove = bool(val)
		if !result.ShouldAutoApprove {
			result.Reasons = []string{"rejected by policy script"}
		}
		return result, nil
	case *starlark.Dict:
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return result, err
		}
		m := goVal.(map[string]interface{})
		approve, ok := m["approve"].(bool)
		if !ok {
			return result, fmt.Errorf("evaluate result must set approve to a bool")
		}
		result.ShouldAutoApprove = approve
		if raw, ok := m["reasons"].([]interface{}); ok {
			for _, r := range raw {
				result.Reasons = append(result.Reasons, fmt.Sprintf("%v", r))
			}
		}
		sort.Strings(result.Reasons)
		if !approve && len(result.Reasons) == 0 {
			result.Reasons = []string{"rejected by policy script"}
		}
		return result, nil
	default:
		return result, fmt.Errorf("evaluate must return a bool or dict, got %s", v.Type())
	}
}

// inputValue converts input to a Starlark dict via its JSON form so field names
// match the Rego input document.
func inputValue(input engine.AutoApprovalInput) (starlark.Value, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}
	return toStarlarkValue(doc)
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
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
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
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
