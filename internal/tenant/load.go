package tenant

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const documentSchemaURL = "https://parcelbot.local/tenant.schema.json"

//go:embed tenant.schema.json
var documentSchemaJSON []byte

var (
	documentSchemaOnce sync.Once
	documentSchema     *jsonschema.Schema
	documentSchemaErr  error
)

func compiledDocumentSchema() (*jsonschema.Schema, error) {
	documentSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(documentSchemaJSON))
		if err != nil {
			documentSchemaErr = errors.Wrap(err, "parse embedded tenant schema")
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(documentSchemaURL, doc); err != nil {
			documentSchemaErr = errors.Wrap(err, "register embedded tenant schema")
			return
		}
		documentSchema, documentSchemaErr = c.Compile(documentSchemaURL)
	})
	return documentSchema, documentSchemaErr
}

// Load reads a tenant file. Keys absent from the file keep the values of
// Default().
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read tenant file %s", path)
	}
	return Parse(data)
}

func Parse(data []byte) (*Schema, error) {
	validator, err := compiledDocumentSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode tenant file")
	}
	if err := validator.Validate(inst); err != nil {
		return nil, errors.Wrap(err, "tenant file does not match schema")
	}
	schema := Default()
	if err := json.Unmarshal(data, schema); err != nil {
		return nil, errors.Wrap(err, "decode tenant file")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return schema, nil
}
