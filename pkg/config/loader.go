package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

//go:embed schema.cue
var schemaSource string

// Loader parses and validates CUE configuration files.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a new loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))

	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Config")),
		validator: validator.New(),
	}
}

// Load reads the configuration at path, or DefaultFile when path is empty.
// A missing file yields the defaults.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFile
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.LoadBytes(path, content)
}

// LoadBytes parses configuration content. filename is used in error positions.
func (l *Loader) LoadBytes(filename string, content []byte) (*Config, error) {
	val := l.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, l.convertCUEErrors(filename, err)
	}

	val = l.schema.Unify(val)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, l.convertCUEErrors(filename, err)
	}

	data, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export config: %w", err)
	}

	// Fields absent from the file keep their default value.
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks struct tag constraints.
func (l *Loader) Validate(cfg *Config) error {
	err := l.validator.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("config validation failed: %w", err)
	}

	var merr *multierror.Error
	for _, fe := range fieldErrs {
		merr = multierror.Append(merr, ValidationError{
			Path:     strings.TrimPrefix(fe.Namespace(), "Config."),
			Message:  fmt.Sprintf("value %v fails %q", fe.Value(), fieldRule(fe)),
			Severity: "error",
		})
	}
	return merr.ErrorOrNil()
}

func fieldRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// convertCUEErrors converts CUE errors to ValidationError values, preferring positions inside
// the configuration file over positions inside the embedded schema.
func (l *Loader) convertCUEErrors(filename string, err error) error {
	var merr *multierror.Error

	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{
			Path:     strings.Join(e.Path(), "."),
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		}
		positions := cueerrors.Positions(e)
		for i, pos := range positions {
			if i == 0 || pos.Filename() == filename {
				ve.File = pos.Filename()
				ve.Line = pos.Line()
				ve.Column = pos.Column()
			}
			if pos.Filename() == filename {
				break
			}
		}
		merr = multierror.Append(merr, ve)
	}

	if merr == nil {
		return err
	}
	return merr
}
