package cql

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// elmEvaluator is a small built-in ELM JSON interpreter. It covers the node
// types simple guideline logic actually uses: literals, retrieves, exists,
// property access, boolean connectives, counts, age calculation, and
// references between definitions. Anything richer should be supplied by a
// full CQL engine through the Evaluator interface.
type elmEvaluator struct {
	closed bool
}

// NewEvaluator returns the built-in ELM interpreter.
func NewEvaluator() Evaluator {
	return &elmEvaluator{}
}

func (e *elmEvaluator) Close() error {
	e.closed = true
	return nil
}

func (e *elmEvaluator) Evaluate(ctx context.Context, req Request) (Results, error) {
	if e.closed {
		return nil, fmt.Errorf("cql: evaluator is closed")
	}
	if req.Library == nil {
		return nil, fmt.Errorf("cql: library payload is nil")
	}

	lib, _ := req.Library["library"].(map[string]interface{})
	if lib == nil {
		return nil, fmt.Errorf("cql: malformed ELM JSON, missing library element")
	}
	statements, _ := lib["statements"].(map[string]interface{})
	defs, _ := statements["def"].([]interface{})

	run := &elmRun{
		defs:       map[string]map[string]interface{}{},
		resolving:  map[string]bool{},
		parameters: req.Parameters,
		resources:  bundleResources(req.Bundle),
		results:    Results{},
	}
	for _, d := range defs {
		def, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := def["name"].(string)
		if name != "" {
			run.defs[name] = def
		}
	}

	for name := range run.defs {
		if _, err := run.resolve(ctx, name); err != nil {
			return nil, err
		}
	}
	return run.results, nil
}

// elmRun holds the state of one library execution.
type elmRun struct {
	defs       map[string]map[string]interface{}
	resolving  map[string]bool
	parameters map[string]interface{}
	resources  []map[string]interface{}
	results    Results
}

// resolve evaluates a named definition once, memoizing the result. Definitions
// currently being resolved are tracked so a reference cycle fails instead of
// recursing forever.
func (r *elmRun) resolve(ctx context.Context, name string) (interface{}, error) {
	if val, done := r.results[name]; done {
		return val, nil
	}
	if r.resolving[name] {
		return nil, fmt.Errorf("cql: cyclic definition %q", name)
	}
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("cql: unknown definition %q", name)
	}
	r.resolving[name] = true
	expr, _ := def["expression"].(map[string]interface{})
	val, err := r.eval(ctx, expr)
	delete(r.resolving, name)
	if err != nil {
		return nil, fmt.Errorf("cql: definition %q: %w", name, err)
	}
	r.results[name] = val
	return val, nil
}

func (r *elmRun) eval(ctx context.Context, expr map[string]interface{}) (interface{}, error) {
	if expr == nil {
		return nil, nil
	}
	nodeType, _ := expr["type"].(string)

	switch nodeType {
	case "Literal":
		return literalValue(expr)

	case "Null":
		return nil, nil

	case "ParameterRef":
		name, _ := expr["name"].(string)
		return r.parameters[name], nil

	case "ExpressionRef":
		name, _ := expr["name"].(string)
		return r.resolve(ctx, name)

	case "Retrieve":
		dataType, _ := expr["dataType"].(string)
		return r.retrieve(dataType), nil

	case "Exists":
		operand, _ := expr["operand"].(map[string]interface{})
		val, err := r.eval(ctx, operand)
		if err != nil {
			return nil, err
		}
		list, ok := val.([]interface{})
		if ok {
			return len(list) > 0, nil
		}
		return val != nil, nil

	case "Not":
		operand, _ := expr["operand"].(map[string]interface{})
		val, err := r.eval(ctx, operand)
		if err != nil {
			return nil, err
		}
		b, _ := val.(bool)
		return !b, nil

	case "And", "Or":
		operands, _ := expr["operand"].([]interface{})
		acc := nodeType == "And"
		for _, op := range operands {
			opExpr, _ := op.(map[string]interface{})
			val, err := r.eval(ctx, opExpr)
			if err != nil {
				return nil, err
			}
			b, _ := val.(bool)
			if nodeType == "And" {
				acc = acc && b
			} else {
				acc = acc || b
			}
		}
		return acc, nil

	case "Equal":
		operands, _ := expr["operand"].([]interface{})
		if len(operands) != 2 {
			return nil, fmt.Errorf("Equal expects 2 operands, got %d", len(operands))
		}
		left, err := r.eval(ctx, operands[0].(map[string]interface{}))
		if err != nil {
			return nil, err
		}
		right, err := r.eval(ctx, operands[1].(map[string]interface{}))
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right), nil

	case "Count":
		source, _ := expr["source"].(map[string]interface{})
		val, err := r.eval(ctx, source)
		if err != nil {
			return nil, err
		}
		if list, ok := val.([]interface{}); ok {
			return len(list), nil
		}
		return 0, nil

	case "First":
		source, _ := expr["source"].(map[string]interface{})
		val, err := r.eval(ctx, source)
		if err != nil {
			return nil, err
		}
		if list, ok := val.([]interface{}); ok {
			if len(list) == 0 {
				return nil, nil
			}
			return list[0], nil
		}
		return val, nil

	case "List":
		elements, _ := expr["element"].([]interface{})
		out := make([]interface{}, 0, len(elements))
		for _, el := range elements {
			elExpr, _ := el.(map[string]interface{})
			val, err := r.eval(ctx, elExpr)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil

	case "Property":
		path, _ := expr["path"].(string)
		source, _ := expr["source"].(map[string]interface{})
		val, err := r.eval(ctx, source)
		if err != nil {
			return nil, err
		}
		return propertyOf(val, path), nil

	case "CalculateAge", "CalculateAgeAt":
		operand := expr["operand"]
		var birthExpr, asOfExpr map[string]interface{}
		switch t := operand.(type) {
		case map[string]interface{}:
			birthExpr = t
		case []interface{}:
			if len(t) > 0 {
				birthExpr, _ = t[0].(map[string]interface{})
			}
			if len(t) > 1 {
				asOfExpr, _ = t[1].(map[string]interface{})
			}
		}
		birthVal, err := r.eval(ctx, birthExpr)
		if err != nil {
			return nil, err
		}
		birth, ok := birthVal.(string)
		if !ok || birth == "" {
			return nil, nil
		}
		asOf := time.Now()
		if asOfExpr != nil {
			asOfVal, err := r.eval(ctx, asOfExpr)
			if err != nil {
				return nil, err
			}
			if s, ok := asOfVal.(string); ok && s != "" {
				asOf, err = parseFHIRDate(s)
				if err != nil {
					return nil, err
				}
			}
		}
		birthDate, err := parseFHIRDate(birth)
		if err != nil {
			return nil, err
		}
		precision, _ := expr["precision"].(string)
		return calculateAge(birthDate, asOf, precision)

	case "SingletonFrom":
		operand, _ := expr["operand"].(map[string]interface{})
		val, err := r.eval(ctx, operand)
		if err != nil {
			return nil, err
		}
		if list, ok := val.([]interface{}); ok {
			if len(list) == 0 {
				return nil, nil
			}
			return list[0], nil
		}
		return val, nil

	default:
		return nil, fmt.Errorf("unsupported ELM node type %q", nodeType)
	}
}

// retrieve returns all bundle resources of the requested data type.
func (r *elmRun) retrieve(dataType string) []interface{} {
	// Data types arrive namespaced, e.g. "{http://hl7.org/fhir}Condition".
	if idx := strings.LastIndex(dataType, "}"); idx >= 0 {
		dataType = dataType[idx+1:]
	}
	out := []interface{}{}
	for _, res := range r.resources {
		if rt, _ := res["resourceType"].(string); rt == dataType {
			out = append(out, res)
		}
	}
	return out
}

// parseFHIRDate accepts the partial date forms FHIR allows plus full
// timestamps.
func parseFHIRDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006-01", "2006", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad date %q", s)
}

// calculateAge returns the whole-unit age at the given precision.
func calculateAge(birth, asOf time.Time, precision string) (interface{}, error) {
	years := asOf.Year() - birth.Year()
	months := years*12 + int(asOf.Month()) - int(birth.Month())
	if asOf.Day() < birth.Day() {
		months--
	}
	switch precision {
	case "", "Year":
		if int(asOf.Month()) < int(birth.Month()) ||
			(asOf.Month() == birth.Month() && asOf.Day() < birth.Day()) {
			years--
		}
		return years, nil
	case "Month":
		return months, nil
	default:
		return nil, fmt.Errorf("unsupported age precision %q", precision)
	}
}

// literalValue converts an ELM literal into its Go value.
func literalValue(expr map[string]interface{}) (interface{}, error) {
	valueType, _ := expr["valueType"].(string)
	raw := expr["value"]
	if idx := strings.LastIndex(valueType, "}"); idx >= 0 {
		valueType = valueType[idx+1:]
	}
	s, isString := raw.(string)
	switch valueType {
	case "Boolean":
		if isString {
			return s == "true", nil
		}
		b, _ := raw.(bool)
		return b, nil
	case "Integer":
		if isString {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("bad Integer literal %q", s)
			}
			return n, nil
		}
		if f, ok := raw.(float64); ok {
			return int(f), nil
		}
		return raw, nil
	case "Decimal":
		if isString {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("bad Decimal literal %q", s)
			}
			return f, nil
		}
		return raw, nil
	default:
		return raw, nil
	}
}

// propertyOf walks one property step on a value or on each element of a list.
func propertyOf(val interface{}, path string) interface{} {
	switch t := val.(type) {
	case map[string]interface{}:
		return t[path]
	case []interface{}:
		out := []interface{}{}
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				if v := m[path]; v != nil {
					out = append(out, v)
				}
			}
		}
		return out
	default:
		return nil
	}
}

// bundleResources flattens a Bundle's entry list into plain resources.
func bundleResources(bundle map[string]interface{}) []map[string]interface{} {
	if bundle == nil {
		return nil
	}
	entries, _ := bundle["entry"].([]interface{})
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if res, ok := entry["resource"].(map[string]interface{}); ok {
			out = append(out, res)
		}
	}
	return out
}
