// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package document

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/permkeeper/permkeeper/internal/perm"
)

// SchemaID is the $id of the document schema.
const SchemaID = "https://permkeeper.dev/schemas/document.schema.json"

// GenerateSchema generates the JSON Schema of Document.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&Document{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "permkeeper overwrite export"
	schema.Description = "Channel permission overwrites keyed by channel and principal name"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.Wrapf(err, "marshal schema")
	}
	return data, nil
}

var compiledSchema = sync.OnceValues(func() (*jschema.Schema, error) {
	data, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	raw, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, oops.Wrapf(err, "parse schema")
	}

	c := jschema.NewCompiler()
	if err := c.AddResource(SchemaID, raw); err != nil {
		return nil, oops.Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile(SchemaID)
	if err != nil {
		return nil, oops.Wrapf(err, "compile schema")
	}
	return sch, nil
})

// Decode parses a document. The version is checked before the schema so
// that documents from a newer release fail with UNSUPPORTED_CONFIG_VERSION
// rather than a schema error.
func Decode(data []byte) (*Document, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, oops.Code(perm.CodeInvalidConfig).Wrapf(err, "document is not valid JSON")
	}
	switch {
	case probe.Version == nil:
		return nil, oops.Code(perm.CodeInvalidConfig).Errorf("document has no version")
	case *probe.Version > CurrentVersion:
		return nil, oops.Code(perm.CodeUnsupportedConfigVersion).
			With("version", *probe.Version).
			With("supported", CurrentVersion).
			Errorf("document version %d is newer than supported version %d", *probe.Version, CurrentVersion)
	}

	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, oops.Code(perm.CodeInvalidConfig).Wrapf(err, "document is not valid JSON")
	}
	if err := sch.Validate(inst); err != nil {
		return nil, oops.Code(perm.CodeInvalidConfig).
			With("schema", SchemaID).
			Wrapf(err, "document does not match schema")
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, oops.Code(perm.CodeInvalidConfig).Wrapf(err, "decode document")
	}
	return &doc, nil
}

// ReadFile reads and decodes the document at path.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.With("path", path).Wrapf(err, "read document")
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return doc, nil
}

// WriteFile encodes doc to path.
func WriteFile(path string, doc *Document) error {
	var buf bytes.Buffer
	if err := Encode(&buf, doc); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return oops.With("path", path).Wrapf(err, "write document")
	}
	return nil
}
