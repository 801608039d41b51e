package validate

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schemas/receipt.schema.json
var receiptSchema []byte

var (
	receiptOnce     sync.Once
	receiptCompiled *jsonschema.Schema
	receiptErr      error
)

// ReceiptSchema returns a copy of the embedded receipt JSON Schema.
func ReceiptSchema() []byte {
	return append([]byte(nil), receiptSchema...)
}

// ValidateReceiptJSON checks data against the embedded receipt schema.
func ValidateReceiptJSON(data []byte) error {
	receiptOnce.Do(func() {
		receiptCompiled, receiptErr = compileSchema(receiptSchema)
	})
	if receiptErr != nil {
		return receiptErr
	}
	return validateJSON(receiptCompiled, data)
}

func ValidateJSON(schemaData, data []byte) error {
	schema, err := compileSchema(schemaData)
	if err != nil {
		return err
	}
	return validateJSON(schema, data)
}

func ValidateJSONFile(schemaPath, jsonPath string) error {
	// #nosec G304 -- schema path is explicit local user input.
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	// #nosec G304 -- json path is explicit local user input.
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return fmt.Errorf("read json: %w", err)
	}
	return ValidateJSON(schemaData, data)
}

func compileSchema(data []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
