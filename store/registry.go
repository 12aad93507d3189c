// Package store holds the registry of blob-store backends
// and operations that span several stores.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
)

// Factory creates a store from a config map.
type Factory func(context.Context, map[string]interface{}) (seqvault.AnchorStore, error)

var registry = make(map[string]Factory)

// Register makes a backend available to Create under the given key.
// Backends call it from init functions.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create creates a store of the registered type `key`.
func Create(ctx context.Context, key string, conf map[string]interface{}) (seqvault.AnchorStore, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// FromConfig creates a store from a config map
// whose "type" parameter names the backend.
func FromConfig(ctx context.Context, conf map[string]interface{}) (seqvault.AnchorStore, error) {
	typ, ok := conf["type"].(string)
	if !ok {
		return nil, errors.New(`config missing "type" parameter`)
	}
	return Create(ctx, typ, conf)
}

// Nested creates the store described by conf["nested"].
// It is used by wrapper backends.
func Nested(ctx context.Context, conf map[string]interface{}) (seqvault.AnchorStore, error) {
	nested, ok := conf["nested"].(map[string]interface{})
	if !ok {
		return nil, errors.New(`missing "nested" parameter`)
	}
	s, err := FromConfig(ctx, nested)
	return s, errors.Wrap(err, "creating nested store")
}

// IntParam reads an integer parameter,
// accepting the forms produced by encoding/json with and without UseNumber.
func IntParam(conf map[string]interface{}, key string) (int, bool) {
	switch v := conf[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// Close closes s if it is an io.Closer.
// Decorator stores use it to close the store they wrap.
func Close(s seqvault.Getter) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
