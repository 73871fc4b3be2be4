// Package expr compiles JavaScript expressions into flow guards,
// actions and validations. The flow context is exposed to the script
// as $; actions write their changes back by mutating $.
//
// The engine itself is oblivious to this package: it only sees the
// resulting GuardFunc / ActionFunc / ValidationFunc values, so any
// other evaluation strategy can be substituted.
package expr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/petrijr/vuo/pkg/api"
)

// run evaluates src with $ bound to a JSON copy of data and returns
// the value of the last expression together with the vm, so callers
// can read $ back.
func run(src string, data map[string]any) (goja.Value, *goja.Runtime, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding context: %w", err)
	}
	if len(data) == 0 {
		encoded = []byte("{}")
	}

	vm := goja.New()
	script := fmt.Sprintf("var $ = %s;\n%s", encoded, src)
	val, err := vm.RunString(script)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluating expression: %w", err)
	}
	return val, vm, nil
}

// writeBack merges the script's $ object into data, replacing
// existing keys.
func writeBack(vm *goja.Runtime, data map[string]any) error {
	val, err := vm.RunString("$")
	if err != nil {
		return fmt.Errorf("reading context back: %w", err)
	}
	encoded, err := json.Marshal(val.Export())
	if err != nil {
		return err
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return err
	}
	for k, v := range out {
		data[k] = v
	}
	return nil
}

// Guard compiles src into a GuardFunc. The expression's truthiness
// decides whether the transition candidate applies; script errors
// make the candidate not apply, matching the engine's guard contract.
func Guard(src string) api.GuardFunc {
	return func(ctx context.Context, data map[string]any) (bool, error) {
		val, _, err := run(src, data)
		if err != nil {
			return false, err
		}
		return val.ToBoolean(), nil
	}
}

// Action compiles src into an ActionFunc. Mutations the script makes
// to $ are merged back into the flow context.
func Action(src string) api.ActionFunc {
	return func(ctx context.Context, data map[string]any) error {
		_, vm, err := run(src, data)
		if err != nil {
			return err
		}
		return writeBack(vm, data)
	}
}

// Validation compiles src into a ValidationFunc. A string result
// fails the validation with that message; anything else is judged by
// truthiness. Script errors fail with the error text.
func Validation(src string) api.ValidationFunc {
	return func(ctx context.Context, data map[string]any) (bool, string) {
		val, _, err := run(src, data)
		if err != nil {
			return false, err.Error()
		}
		if str, ok := val.Export().(string); ok {
			return false, str
		}
		return val.ToBoolean(), ""
	}
}
