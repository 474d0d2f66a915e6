// Package sidecar reads, validates and writes the JSON metadata files that
// dcm2niix emits next to every converted image.
package sidecar

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Well-known sidecar fields
const (
	FieldSeriesDescription = "SeriesDescription"
	FieldImageType         = "ImageType"
	FieldTaskName          = "TaskName"
	FieldIntendedFor       = "IntendedFor"
)

var (
	// ErrMalformed is returned when a sidecar is not a JSON object
	ErrMalformed = errors.New("malformed sidecar")

	// ErrInvalid is returned when a sidecar violates the sidecar schema
	ErrInvalid = errors.New("invalid sidecar")
)

//go:embed schema/*.schema.json
var schemaFS embed.FS

var printer = message.NewPrinter(language.English)

// embeddedSchema compiles one of the embedded schemas on first use
type embeddedSchema struct {
	file     string
	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

var (
	// baseSchema is checked for every sidecar on decode
	baseSchema = &embeddedSchema{file: "sidecar.schema.json"}

	// fieldSchema covers the fields handlers read once a sidecar is classified
	fieldSchema = &embeddedSchema{file: "fields.schema.json"}
)

// Metadata is a decoded sidecar. Numbers are kept as json.Number so that
// rewriting a sidecar does not alter acquisition parameters.
type Metadata map[string]any

// get compiles the schema once
func (s *embeddedSchema) get() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		f, err := schemaFS.Open("schema/" + s.file)
		if err != nil {
			s.err = fmt.Errorf("opening schema %s: %w", s.file, err)
			return
		}
		defer f.Close()

		doc, err := jsonschema.UnmarshalJSON(f)
		if err != nil {
			s.err = fmt.Errorf("unmarshaling schema JSON: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource(s.file, doc); err != nil {
			s.err = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		s.compiled, s.err = c.Compile(s.file)
		if s.err != nil {
			s.err = fmt.Errorf("compiling schema: %w", s.err)
		}
	})
	return s.compiled, s.err
}

// validate checks a decoded instance against the schema
func (s *embeddedSchema) validate(inst any) error {
	schema, err := s.get()
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}

	err = schema.Validate(inst)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("unexpected validation error type: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(collectIssues(ve), "; "))
}

// Decode parses a sidecar and checks that it carries a SeriesDescription.
// Other fields are not type checked here; see Metadata.Validate.
func Decode(data []byte) (Metadata, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m Metadata
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: top-level value is null", ErrMalformed)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformed)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := baseSchema.validate(inst); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the types of the fields read during conversion
// (ImageType, TaskName, IntendedFor).
func (m Metadata) Validate() error {
	return fieldSchema.validate(map[string]any(m))
}

// collectIssues walks the validation error tree and returns one message per leaf
func collectIssues(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		path := "/" + strings.Join(ve.InstanceLocation, "/")
		msg := ve.Error()
		if ve.ErrorKind != nil {
			msg = ve.ErrorKind.LocalizedString(printer)
		}
		return []string{path + ": " + msg}
	}

	var issues []string
	for _, cause := range ve.Causes {
		issues = append(issues, collectIssues(cause)...)
	}
	return issues
}

// SeriesDescription returns the scanner protocol label, or "" if absent
func (m Metadata) SeriesDescription() string {
	s, _ := m[FieldSeriesDescription].(string)
	return s
}

// ImageType returns the ImageType markers in order
func (m Metadata) ImageType() []string {
	raw, ok := m[FieldImageType].([]any)
	if !ok {
		return nil
	}
	types := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			types = append(types, s)
		}
	}
	return types
}

// With returns a copy of m with key set to value
func (m Metadata) With(key string, value any) Metadata {
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}

// Encode renders m with sorted keys and four-space indentation
func Encode(m Metadata) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(map[string]any(m)); err != nil {
		return nil, fmt.Errorf("encoding sidecar: %w", err)
	}
	return buf.Bytes(), nil
}
