package export

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed run_summary.schema.json
var summarySchemaJSON string

var (
	summarySchemaOnce sync.Once
	summarySchema     *jsonschema.Schema
	summarySchemaErr  error
)

// compiledSummarySchema compiles the embedded contract once.
func compiledSummarySchema() (*jsonschema.Schema, error) {
	summarySchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("run_summary.schema.json", strings.NewReader(summarySchemaJSON)); err != nil {
			summarySchemaErr = fmt.Errorf("export: add schema resource: %w", err)
			return
		}
		summarySchema, summarySchemaErr = compiler.Compile("run_summary.schema.json")
	})
	return summarySchema, summarySchemaErr
}

// ValidateSummary checks a marshaled summary record against the
// embedded contract. Every summary passes through here before it
// reaches disk or the broker, so drift between the record structs and
// the schema fails loudly at write time instead of surfacing in a
// downstream consumer.
func ValidateSummary(raw []byte) error {
	schema, err := compiledSummarySchema()
	if err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("export: summary is not valid JSON: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("export: summary violates contract: %w", err)
	}
	return nil
}
