package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kagent-dev/sage/pkg/cache"
	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

// ParamType is a JSON schema primitive type.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Parameter declares one tool argument.
type Parameter struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	// Rules are go-playground/validator tags applied after the type check,
	// e.g. "min=2,max=400" or "url".
	Rules   string
	Enum    []string
	Default interface{}
	// Fold selects how a string value enters the cache key.
	Fold KeyFold
}

// KeyFold is the cache key normalization of a string argument.
type KeyFold int

const (
	// FoldText folds case and collapses whitespace.
	FoldText KeyFold = iota
	// FoldURL folds the scheme and host only. Paths, queries and fragments
	// are case sensitive.
	FoldURL
)

// Schema is the declared argument schema of a tool.
type Schema struct {
	Parameters []Parameter
}

// Definition describes a tool to the decision oracle.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// JSONSchema renders the schema as a JSON schema object.
func (s Schema) JSONSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(s.Parameters))
	required := make([]string, 0)
	for _, p := range s.Parameters {
		prop := map[string]interface{}{
			"type":        string(p.Type),
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if p.Type == TypeArray {
			prop["items"] = map[string]interface{}{"type": "string"}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// check verifies the schema itself at registration time.
func (s Schema) check(v *validator.Validate) error {
	seen := make(map[string]bool)
	for _, p := range s.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("parameter %s declared twice", p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		default:
			return fmt.Errorf("parameter %s has unsupported type %q", p.Name, p.Type)
		}
		if p.Rules != "" {
			if err := checkRules(v, p.Rules); err != nil {
				return fmt.Errorf("parameter %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

// checkRules catches unknown validator tags, which validator reports by panicking.
func checkRules(v *validator.Validate, rules string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rules %q: %v", rules, r)
		}
	}()
	_ = v.Var("", rules)
	return nil
}

// WithDefaults returns a copy of args with declared defaults filled in.
func (s Schema) WithDefaults(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args)+len(s.Parameters))
	for k, v := range args {
		out[k] = v
	}
	for _, p := range s.Parameters {
		if v, ok := out[p.Name]; (!ok || v == nil) && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

// Validate checks args against the schema: required parameters must be
// present, types must match and declared rules must pass. Undeclared
// arguments are ignored.
func (s Schema) Validate(v *validator.Validate, args map[string]interface{}) error {
	var problems []string
	data := make(map[string]interface{})
	rules := make(map[string]interface{})

	for _, p := range s.Parameters {
		value, ok := args[p.Name]
		if !ok || value == nil {
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %q", p.Name))
			}
			continue
		}
		if !matchesType(p.Type, value) {
			problems = append(problems, fmt.Sprintf("parameter %q must be of type %s, got %T", p.Name, p.Type, value))
			continue
		}
		if len(p.Enum) > 0 && !contains(p.Enum, fmt.Sprint(value)) {
			problems = append(problems, fmt.Sprintf("parameter %q must be one of %s", p.Name, strings.Join(p.Enum, ", ")))
			continue
		}
		if p.Rules != "" {
			data[p.Name] = value
			rules[p.Name] = p.Rules
		}
	}

	if len(rules) > 0 {
		failures := v.ValidateMap(data, rules)
		names := make([]string, 0, len(failures))
		for name := range failures {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			problems = append(problems, fmt.Sprintf("parameter %q: %v", name, failures[name]))
		}
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrCodeInvalidArguments, strings.Join(problems, "; "), nil)
	}
	return nil
}

// CacheKey derives the cache key for a call: the tool name plus the declared
// arguments sorted by name with normalized values.
func (s Schema) CacheKey(tool string, args map[string]interface{}) string {
	params := append([]Parameter(nil), s.Parameters...)
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	parts := make([]string, 0, len(params))
	for _, p := range params {
		value, ok := args[p.Name]
		if !ok || value == nil {
			continue
		}
		parts = append(parts, cache.NormalizeKey(p.Name)+"="+normalizeValue(value, p.Fold))
	}
	return cache.NormalizeKey(tool) + "|" + strings.Join(parts, "&")
}

// foldURL lowercases the scheme and host of raw. Values that do not parse as
// absolute URLs are folded as text.
func foldURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return cache.NormalizeKey(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

func normalizeValue(value interface{}, fold KeyFold) string {
	switch v := value.(type) {
	case string:
		if fold == FoldURL {
			return foldURL(v)
		}
		return cache.NormalizeKey(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case json.Number:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return cache.NormalizeKey(string(data))
	}
}

func matchesType(t ParamType, value interface{}) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeInteger:
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return v == math.Trunc(v)
		case float32:
			return float64(v) == math.Trunc(float64(v))
		case json.Number:
			_, err := v.Int64()
			return err == nil
		}
		return false
	case TypeNumber:
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
			return true
		}
		return false
	case TypeArray:
		kind := reflect.TypeOf(value).Kind()
		return kind == reflect.Slice || kind == reflect.Array
	case TypeObject:
		return reflect.TypeOf(value).Kind() == reflect.Map
	}
	return false
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// IntArg reads an integer argument, accepting the float64 values produced by
// JSON decoding.
func IntArg(args map[string]interface{}, name string, fallback int) int {
	switch v := args[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

// StringArg reads a string argument.
func StringArg(args map[string]interface{}, name string) string {
	s, _ := args[name].(string)
	return strings.TrimSpace(s)
}
