package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// SchemaSource returns the embedded CUE schema.
func SchemaSource() string { return schemaSource }

// Schema validates configuration values against the embedded #Config
// definition. Values must be compiled with the schema's own context, so all
// CUE work goes through it.
type Schema struct {
	mu  sync.Mutex
	ctx *cue.Context
	def cue.Value
}

// NewSchema compiles the embedded schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	def := root.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return nil, fmt.Errorf("config schema does not define #Config")
	}
	return &Schema{ctx: ctx, def: def}, nil
}

// CompileCUE compiles CUE source and checks it against #Config. The result
// is exported as JSON.
func (s *Schema) CompileCUE(filename string, src []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified, err := s.unify(val)
	if err != nil {
		return nil, err
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}
	return raw, nil
}

// ValidateConfig checks a decoded configuration against #Config.
func (s *Schema) ValidateConfig(cfg *Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.CompileBytes(raw, cue.Filename("config.json"))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}
	_, err = s.unify(val)
	return err
}

func (s *Schema) unify(val cue.Value) (cue.Value, error) {
	unified := s.def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return unified, nil
}

// fieldPath joins a CUE error path without the leading definition name.
func fieldPath(path []string) string {
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return strings.Join(path, ".")
}

// convertCUEErrors flattens a CUE error into ValidationErrors with positions.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{
			Path:    fieldPath(e.Path()),
			Message: fmt.Sprintf(format, args...),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
