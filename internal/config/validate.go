package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// ErrCodeSchema marks a value rejected by the configuration schema.
const ErrCodeSchema = "E201"

// ValidationError is one rejected configuration value.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors collects every rejected value.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// Validate checks cfg against the embedded schema. It returns
// ValidationErrors listing every violation.
func Validate(cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.CompileBytes(raw, cue.Filename("config.json"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		var out ValidationErrors
		for _, e := range cueerrors.Errors(err) {
			format, args := e.Msg()
			path := e.Path()
			if len(path) > 0 && path[0] == "#Config" {
				path = path[1:]
			}
			out = append(out, ValidationError{
				Field:   strings.Join(path, "."),
				Message: fmt.Sprintf(format, args...),
				Code:    ErrCodeSchema,
			})
		}
		return out
	}
	return nil
}
