/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


// Package expr compiles expressions evaluated against events. An expression
// sees the event as payload, eventType, sequenceNumber, id, correlationId and
// recordedAt (unix millis), plus the json, int, string and sprig helpers.
package expr

import (
	"fmt"
	"strconv"

	"github.com/Masterminds/sprig/v3"
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/goccy/go-json"

	"github.com/numaproj/numaflow-projections/pkg/events"
)

var sprigFuncMap = sprig.GenericFuncMap()

const root = "payload"

// Program is a compiled expression.
type Program struct {
	expression string
	program    *vm.Program
}

// Compile type checks the expression against the event environment.
func Compile(expression string) (*Program, error) {
	program, err := expr.Compile(expression, expr.Env(getFuncMap(eventEnv(events.Event{}))))
	if err != nil {
		return nil, fmt.Errorf("unable to compile expression '%s': %s", expression, err)
	}
	return &Program{expression: expression, program: program}, nil
}

func (p *Program) String() string {
	return p.expression
}

func (p *Program) run(evt events.Event) (interface{}, error) {
	result, err := expr.Run(p.program, getFuncMap(eventEnv(evt)))
	if err != nil {
		return nil, fmt.Errorf("unable to evaluate expression '%s': %s", p.expression, err)
	}
	return result, nil
}

// EvalBool evaluates the expression and requires a boolean result.
func (p *Program) EvalBool(evt events.Event) (bool, error) {
	result, err := p.run(evt)
	if err != nil {
		return false, err
	}
	resultBool, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unable to cast expression result '%v' to bool", result)
	}
	return resultBool, nil
}

// EvalString evaluates the expression and formats the result.
func (p *Program) EvalString(evt events.Event) (string, error) {
	result, err := p.run(evt)
	if err != nil {
		return "", err
	}
	return _string(result), nil
}

func eventEnv(evt events.Event) map[string]interface{} {
	correlationID := ""
	if evt.CorrelationID.Valid {
		correlationID = evt.CorrelationID.UUID.String()
	}
	return map[string]interface{}{
		root:             string(evt.Data),
		"eventType":      evt.EventType,
		"sequenceNumber": evt.SequenceNumber,
		"id":             evt.ID.String(),
		"correlationId":  correlationID,
		"recordedAt":     evt.RecordedAt.UnixMilli(),
	}
}

func getFuncMap(env map[string]interface{}) map[string]interface{} {
	env["sprig"] = sprigFuncMap
	env["json"] = _json
	env["int"] = _int
	env["string"] = _string
	return env
}

func _int(v interface{}) int {
	switch w := v.(type) {
	case []byte:
		i, err := strconv.Atoi(string(w))
		if err != nil {
			panic(fmt.Errorf("cannot convert %q an int", v))
		}
		return i
	case string:
		i, err := strconv.Atoi(w)
		if err != nil {
			panic(fmt.Errorf("cannot convert %q to int", v))
		}
		return i
	case float64:
		return int(w)
	case int:
		return w
	case int64:
		return int(w)
	default:
		panic(fmt.Errorf("cannot convert %q to int", v))
	}
}

func _string(v interface{}) string {
	switch w := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(w)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func _json(v interface{}) map[string]interface{} {
	x := make(map[string]interface{})
	switch w := v.(type) {
	case nil:
		return nil
	case []byte:
		if err := json.Unmarshal(w, &x); err != nil {
			panic(fmt.Errorf("cannot convert %q to object: %v", v, err))
		}
		return x
	case string:
		if err := json.Unmarshal([]byte(w), &x); err != nil {
			panic(fmt.Errorf("cannot convert %q to object: %v", v, err))
		}
		return x
	default:
		panic("unknown type")
	}
}
