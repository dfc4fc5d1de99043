package config

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// schema holds the compiled #Config definition.
type schema struct {
	ctx *cue.Context
	def cue.Value
}

var (
	schemaOnce sync.Once
	compiled   *schema
	schemaErr  error
)

func loadSchema() (*schema, error) {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile config schema: %w", err)
			return
		}
		def := v.LookupPath(cue.ParsePath("#Config"))
		if !def.Exists() {
			schemaErr = fmt.Errorf("config schema has no #Config definition")
			return
		}
		compiled = &schema{ctx: ctx, def: def}
	})
	return compiled, schemaErr
}

// check unifies a decoded document with #Config. Unknown keys, bad duration
// strings, and out of range numbers are reported with their paths.
func (s *schema) check(doc map[string]interface{}) error {
	v := s.ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := s.def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config does not match schema: %s", formatCUEError(err))
	}
	return nil
}

// compileCUE evaluates a .cue config file to JSON.
func (s *schema) compileCUE(path string, data []byte) ([]byte, error) {
	v := s.ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile %s: %s", path, formatCUEError(err))
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%s is not concrete: %s", path, formatCUEError(err))
	}
	out, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", path, err)
	}
	return out, nil
}

func formatCUEError(err error) string {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msgs = append(msgs, e.Error())
	}
	if len(msgs) == 0 {
		return err.Error()
	}
	return strings.Join(msgs, "; ")
}
