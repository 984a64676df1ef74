// Package rules maps typed vendor records onto target-table columns using a
// yaml-declared mapping document, and screens the result with sandboxed
// expressions compiled at load time.
package rules

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"databento-ingest/internal/models"
)

// StandardizedRecord is one record keyed by target column names, ready for
// the validator and the loader.
type StandardizedRecord map[string]any

// Document is the on-disk shape of a vendor mapping file.
type Document struct {
	SchemaMappings      map[string]SchemaMapping     `yaml:"schema_mappings"`
	ConditionalMappings map[string][]ConditionalRule `yaml:"conditional_mappings"`
	GlobalSettings      GlobalSettings               `yaml:"global_settings"`
}

// SchemaMapping describes how one vendor schema lands in its target table.
type SchemaMapping struct {
	SourceModel     string                    `yaml:"source_model"`
	TargetSchema    string                    `yaml:"target_schema"`
	FieldMappings   map[string]string         `yaml:"field_mappings"`
	Transformations map[string]Transformation `yaml:"transformations"`
	Defaults        map[string]any            `yaml:"defaults"`
}

// Transformation is one screening rule. With Fields set the rule runs once
// per listed column with `value` bound; without Fields it runs once against
// the whole record.
type Transformation struct {
	Fields []string `yaml:"fields"`
	Rule   string   `yaml:"rule"`
}

// ConditionalRule sets columns when its predicate holds.
type ConditionalRule struct {
	When string         `yaml:"when"`
	Set  map[string]any `yaml:"set"`
}

// GlobalSettings apply across every schema mapping in the document.
type GlobalSettings struct {
	TimezoneNormalization string `yaml:"timezone_normalization"`
	PricePrecision        int32  `yaml:"price_precision"`
	SkipValidationErrors  bool   `yaml:"skip_validation_errors"`
}

// Violation reports a record rejected by a transformation rule. It is not a
// system error; the caller routes it to quarantine or aborts the batch.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("rule %q violated: %s", v.Rule, v.Detail)
}

type compiledRule struct {
	name   string
	fields []string
	prog   *vm.Program
}

type compiledConditional struct {
	prog *vm.Program
	set  map[string]any
}

type compiledSchema struct {
	mapping SchemaMapping
	rules   []compiledRule
	conds   []compiledConditional
}

// Engine holds one loaded mapping document with every expression compiled.
// Engines are read-only after Parse and safe for concurrent use.
type Engine struct {
	schemas   map[string]*compiledSchema
	skip      bool
	precision int32
}

// Load reads and compiles a mapping document from disk.
func Load(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	eng, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("mapping file %s: %w", path, err)
	}
	return eng, nil
}

// Parse compiles a mapping document. Unknown target tables, unknown
// destination columns, and malformed expressions all fail here, before any
// record flows.
func Parse(data []byte) (*Engine, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(doc.SchemaMappings) == 0 {
		return nil, fmt.Errorf("no schema_mappings defined")
	}
	if tz := doc.GlobalSettings.TimezoneNormalization; tz != "" && tz != "UTC" {
		return nil, fmt.Errorf("unsupported timezone_normalization %q", tz)
	}

	eng := &Engine{
		schemas:   make(map[string]*compiledSchema, len(doc.SchemaMappings)),
		skip:      doc.GlobalSettings.SkipValidationErrors,
		precision: doc.GlobalSettings.PricePrecision,
	}

	for schema, m := range doc.SchemaMappings {
		cols := columnSet(m.TargetSchema)
		if cols == nil {
			return nil, fmt.Errorf("schema %q: unknown target table %q", schema, m.TargetSchema)
		}
		for src, dst := range m.FieldMappings {
			if !cols[dst] {
				return nil, fmt.Errorf("schema %q: mapping %s -> %s: no column %q in %s",
					schema, src, dst, dst, m.TargetSchema)
			}
		}
		for dst := range m.Defaults {
			if !cols[dst] {
				return nil, fmt.Errorf("schema %q: default for unknown column %q", schema, dst)
			}
		}

		cs := &compiledSchema{mapping: m}
		names := make([]string, 0, len(m.Transformations))
		for name := range m.Transformations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			tr := m.Transformations[name]
			prog, err := expr.Compile(tr.Rule, expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("schema %q: rule %q: %w", schema, name, err)
			}
			cs.rules = append(cs.rules, compiledRule{name: name, fields: tr.Fields, prog: prog})
		}

		for i, cond := range doc.ConditionalMappings[schema] {
			for dst := range cond.Set {
				if !cols[dst] {
					return nil, fmt.Errorf("schema %q: conditional %d sets unknown column %q", schema, i, dst)
				}
			}
			prog, err := expr.Compile(cond.When, expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("schema %q: conditional %d: %w", schema, i, err)
			}
			cs.conds = append(cs.conds, compiledConditional{prog: prog, set: cond.Set})
		}

		eng.schemas[schema] = cs
	}

	for schema := range doc.ConditionalMappings {
		if _, ok := eng.schemas[schema]; !ok {
			return nil, fmt.Errorf("conditional_mappings for unmapped schema %q", schema)
		}
	}
	return eng, nil
}

// SkipValidationErrors reports whether violations quarantine single records
// instead of aborting the batch.
func (e *Engine) SkipValidationErrors() bool { return e.skip }

// TargetTable returns the destination table for a schema, or "" when the
// document does not map it.
func (e *Engine) TargetTable(schema models.Schema) string {
	if cs := e.schemaFor(schema); cs != nil {
		return cs.mapping.TargetSchema
	}
	return ""
}

// schemaFor resolves the mapping for a schema. The bar cadences share one
// entry under the "ohlcv" key unless a cadence is mapped explicitly.
func (e *Engine) schemaFor(schema models.Schema) *compiledSchema {
	if cs, ok := e.schemas[string(schema)]; ok {
		return cs
	}
	if schema.IsOHLCV() {
		return e.schemas["ohlcv"]
	}
	return nil
}

// Apply maps one record to its standardized form. A *Violation return means
// the record failed a rule; a plain error means the engine cannot process the
// schema at all.
func (e *Engine) Apply(rec models.Record) (StandardizedRecord, *Violation, error) {
	cs := e.schemaFor(rec.Schema())
	if cs == nil {
		return nil, nil, fmt.Errorf("no mapping for schema %q", rec.Schema())
	}

	src, err := flatten(rec)
	if err != nil {
		return nil, nil, err
	}

	out := make(StandardizedRecord, len(cs.mapping.FieldMappings)+len(cs.mapping.Defaults))
	for dst, v := range cs.mapping.Defaults {
		out[dst] = normalizeScalar(v)
	}
	for srcAttr, dst := range cs.mapping.FieldMappings {
		v, ok := src[srcAttr]
		if !ok {
			return nil, nil, fmt.Errorf("schema %q: source attribute %q not present on %T",
				rec.Schema(), srcAttr, rec)
		}
		out[dst] = v
	}

	for _, cond := range cs.conds {
		hit, err := runBool(cond.prog, exprEnv(out))
		if err != nil {
			return nil, &Violation{Rule: "conditional_mapping", Detail: err.Error()}, nil
		}
		if hit {
			for dst, v := range cond.set {
				out[dst] = normalizeScalar(v)
			}
		}
	}

	e.normalize(out)

	for _, rule := range cs.rules {
		if v := e.runRule(rule, out); v != nil {
			return nil, v, nil
		}
	}
	return out, nil, nil
}

func (e *Engine) runRule(rule compiledRule, rec StandardizedRecord) *Violation {
	env := exprEnv(rec)
	if len(rule.fields) == 0 {
		ok, err := runBool(rule.prog, env)
		if err != nil {
			return &Violation{Rule: rule.name, Detail: err.Error()}
		}
		if !ok {
			return &Violation{Rule: rule.name, Detail: "record predicate false"}
		}
		return nil
	}
	for _, field := range rule.fields {
		env["value"] = exprValue(rec[field])
		ok, err := runBool(rule.prog, env)
		if err != nil {
			return &Violation{Rule: rule.name, Detail: fmt.Sprintf("field %s: %v", field, err)}
		}
		if !ok {
			return &Violation{Rule: rule.name, Detail: fmt.Sprintf("field %s: predicate false", field)}
		}
	}
	return nil
}

func runBool(prog *vm.Program, env map[string]any) (bool, error) {
	res, err := expr.Run(prog, env)
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("rule result %T, want bool", res)
	}
	return b, nil
}

// normalize applies the global settings: timestamps to UTC, decimals rounded
// to the configured precision.
func (e *Engine) normalize(rec StandardizedRecord) {
	for k, v := range rec {
		switch t := v.(type) {
		case time.Time:
			rec[k] = t.UTC()
		case *time.Time:
			if t != nil {
				u := t.UTC()
				rec[k] = &u
			}
		case decimal.Decimal:
			if e.precision > 0 {
				rec[k] = t.Round(e.precision)
			}
		case *decimal.Decimal:
			if t != nil && e.precision > 0 {
				d := t.Round(e.precision)
				rec[k] = &d
			}
		}
	}
}

// normalizeScalar widens yaml scalar types so downstream stages see one
// integer shape.
func normalizeScalar(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case uint64:
		return int64(t)
	default:
		return v
	}
}
