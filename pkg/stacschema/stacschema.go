// Package stacschema validates STAC documents against embedded copies of
// the STAC core and extension JSON schemas. No schema is ever fetched over
// the network.
package stacschema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
)

//go:embed schemas
var schemaFS embed.FS

// Core schema ids.
const (
	CatalogSchemaID    = "https://schemas.stacspec.org/v1.0.0/catalog-spec/json-schema/catalog.json"
	CollectionSchemaID = "https://schemas.stacspec.org/v1.0.0/collection-spec/json-schema/collection.json"
	ItemSchemaID       = "https://schemas.stacspec.org/v1.0.0/item-spec/json-schema/item.json"
)

// STAC object types as found in the "type" field.
const (
	TypeCatalog    = "Catalog"
	TypeCollection = "Collection"
	TypeItem       = "Feature"
)

var (
	// ErrUnknownType is returned for documents whose "type" is not a STAC
	// object type.
	ErrUnknownType = errors.New("unknown STAC object type")

	// ErrInvalid wraps schema validation failures.
	ErrInvalid = errors.New("schema validation failed")
)

var coreSchemas = map[string]string{
	TypeCatalog:    CatalogSchemaID,
	TypeCollection: CollectionSchemaID,
	TypeItem:       ItemSchemaID,
}

// offlineLoader refuses every URL that was not registered up front.
type offlineLoader struct{}

func (offlineLoader) Load(url string) (any, error) {
	return nil, fmt.Errorf("schema %q is not embedded", url)
}

// Resolver holds the compiled core and extension validators.
type Resolver struct {
	log        logrus.FieldLogger
	core       map[string]*jsonschema.Schema
	extensions map[string]*jsonschema.Schema
}

var (
	defaultOnce     sync.Once
	defaultResolver *Resolver
	defaultErr      error
)

// Default returns the process-wide resolver, building it on first use.
func Default() (*Resolver, error) {
	defaultOnce.Do(func() {
		defaultResolver, defaultErr = New(logrus.StandardLogger())
	})

	return defaultResolver, defaultErr
}

// New compiles every embedded schema.
func New(log logrus.FieldLogger) (*Resolver, error) {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft7)
	c.AssertFormat()
	c.UseLoader(offlineLoader{})

	var extensionIDs []string

	err := fs.WalkDir(schemaFS, "schemas", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || path.Ext(p) != ".json" {
			return nil
		}

		data, err := schemaFS.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}

		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", p, err)
		}

		obj, ok := doc.(map[string]any)
		if !ok {
			return fmt.Errorf("schema %s is not an object", p)
		}

		id, _ := obj["$id"].(string)
		if id == "" {
			return fmt.Errorf("schema %s has no $id", p)
		}

		id = strings.TrimSuffix(id, "#")

		if err := c.AddResource(id, doc); err != nil {
			return fmt.Errorf("registering %s: %w", id, err)
		}

		if strings.HasPrefix(p, "schemas/extensions/") {
			extensionIDs = append(extensionIDs, id)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading embedded schemas: %w", err)
	}

	r := &Resolver{
		log:        log.WithField("component", "stacschema"),
		core:       make(map[string]*jsonschema.Schema, len(coreSchemas)),
		extensions: make(map[string]*jsonschema.Schema, len(extensionIDs)),
	}

	for typ, id := range coreSchemas {
		sch, err := c.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compiling %s: %w", id, err)
		}

		r.core[typ] = sch
	}

	for _, id := range extensionIDs {
		sch, err := c.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compiling %s: %w", id, err)
		}

		r.extensions[id] = sch
	}

	return r, nil
}

// Extensions returns the ids of the embedded extension schemas.
func (r *Resolver) Extensions() []string {
	ids := make([]string, 0, len(r.extensions))
	for id := range r.extensions {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// ObjectType returns the "type" of a decoded document.
func ObjectType(doc any) string {
	obj, ok := doc.(map[string]any)
	if !ok {
		return ""
	}

	typ, _ := obj["type"].(string)

	return typ
}

// Validate checks doc against the schema matching its "type" and against
// every embedded extension it declares. Declared extensions that are not
// embedded are skipped.
func (r *Resolver) Validate(doc any) error {
	typ := ObjectType(doc)

	sch, ok := r.core[typ]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err.Error())
	}

	obj, _ := doc.(map[string]any)

	declared, _ := obj["stac_extensions"].([]any)
	for _, raw := range declared {
		id, _ := raw.(string)

		ext, ok := r.extensions[strings.TrimSuffix(id, "#")]
		if !ok {
			r.log.WithField("extension", id).Debug("Skipping extension without embedded schema")

			continue
		}

		if err := ext.Validate(doc); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalid, err.Error())
		}
	}

	return nil
}
