package job

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateDefinition checks the structural invariants of a definition before
// it is persisted: required fields, lowercase slug, a known runtime, a
// parseable bundle binding when the entry point uses the bundle form, and a
// compilable parameters schema.
func ValidateDefinition(def *Definition) error {
	if err := structValidator.Struct(def); err != nil {
		return fmt.Errorf("invalid job definition: %w", err)
	}
	if IsBundleEntryPoint(def.EntryPoint) {
		if _, err := ParseBundleBinding(def.EntryPoint); err != nil {
			return fmt.Errorf("invalid job definition: %w", err)
		}
	}
	if len(def.ParametersSchema) > 0 {
		if _, err := CompileParametersSchema(def.ParametersSchema); err != nil {
			return fmt.Errorf("invalid parameters schema: %w", err)
		}
	}
	return nil
}

// CompileParametersSchema compiles a JSON schema document previously decoded
// into a map.
func CompileParametersSchema(schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := normalizeJSON(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("parameters.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("parameters.json")
}

// ValidateParameters applies the definition's parameters schema to the given
// parameter document. A nil or empty schema accepts everything.
func ValidateParameters(schema map[string]any, params any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := CompileParametersSchema(schema)
	if err != nil {
		return err
	}
	doc, err := normalizeJSON(params)
	if err != nil {
		return err
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("parameters do not match schema: %w", err)
	}
	return nil
}

// normalizeJSON round-trips a value through JSON so the schema library sees
// the exact number representation it expects.
func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json document: %w", err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
