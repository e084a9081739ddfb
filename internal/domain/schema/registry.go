// Package schema хранит реестр синхронизируемых таблиц и проверяет полезную нагрузку строк.
package schema

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultSchema []byte

type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

type Field struct {
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
}

type Table struct {
	Fields map[string]Field `yaml:"fields"`
}

type document struct {
	Tables map[string]Table `yaml:"tables"`
}

// Registry реестр таблиц
type Registry struct {
	tables map[string]Table
	order  []string
}

// Default возвращает встроенный реестр
func Default() *Registry {
	r, err := Parse(defaultSchema)
	if err != nil {
		panic(fmt.Sprintf("embedded schema: %v", err))
	}
	return r
}

// Load читает реестр из файла; пустой путь означает встроенный реестр
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	return Parse(data)
}

// Parse разбирает YAML-описание таблиц
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if len(doc.Tables) == 0 {
		return nil, ErrEmptySchema
	}

	r := &Registry{tables: doc.Tables}
	for name, t := range doc.Tables {
		for field, f := range t.Fields {
			switch f.Type {
			case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
			default:
				return nil, fmt.Errorf("table %s field %s: unsupported type %q", name, field, f.Type)
			}
		}
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)

	return r, nil
}

func (r *Registry) Has(table string) bool {
	_, ok := r.tables[table]
	return ok
}

// Tables возвращает имена таблиц в алфавитном порядке
func (r *Registry) Tables() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Validate проверяет полезную нагрузку строки
func (r *Registry) Validate(table string, payload map[string]any) error {
	t, ok := r.tables[table]
	if !ok {
		return ErrUnknownTable
	}

	names := make([]string, 0, len(t.Fields))
	for name := range t.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := t.Fields[name]
		v, present := payload[name]
		if !present || v == nil {
			if f.Required {
				return &ValidationError{Table: table, Field: name, Reason: "required"}
			}
			continue
		}
		if !matches(f.Type, v) {
			return &ValidationError{Table: table, Field: name, Reason: "expected " + string(f.Type)}
		}
	}

	return nil
}

func matches(t FieldType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := number(v)
		return ok
	case TypeInteger:
		n, ok := number(v)
		return ok && n == math.Trunc(n)
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
