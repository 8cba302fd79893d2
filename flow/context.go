package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
)

// Limits bounds an execution context. Sizes are bytes of the canonical
// JSON serialization; depth counts container nesting, with an empty
// container counting as one level.
type Limits struct {
	MaxValueSize int
	MaxTotalSize int
	MaxKeys      int
	MaxDepth     int

	// InlineThreshold is the serialized size above which a value is
	// moved to the external tier when a BlobStore is configured.
	InlineThreshold int
}

// DefaultLimits returns the standard context bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxValueSize:    1 << 20,  // 1 MiB per value
		MaxTotalSize:    10 << 20, // 10 MiB total
		MaxKeys:         500,
		MaxDepth:        15,
		InlineThreshold: 64 << 10,
	}
}

// BlobStore is the optional external storage tier for oversized context
// values. Put returns an opaque reference; Get resolves one.
type BlobStore interface {
	Put(ctx context.Context, value any) (ref string, err error)
	Get(ctx context.Context, ref string) (any, error)
}

// Tier selects where a context value is stored.
type Tier string

const (
	TierInline   Tier = "inline"
	TierExternal Tier = "external"
)

// SetOptions tunes a single Set call.
type SetOptions struct {
	// Tier forces the storage tier. TierExternal requires a BlobStore.
	Tier Tier

	// Force skips the external-tier size heuristic and honors Tier
	// unconditionally.
	Force bool
}

// refMarker is the in-context stand-in for an externally stored value.
const refField = "_ref"

// Context wraps an execution's key/value map with size, key-count and
// nesting-depth enforcement plus transparent external-tier storage.
//
// A Context is not safe for concurrent use; the engine hands each
// handler the context of the execution it is ticking, and ticks on one
// execution are serialized by the state store.
type Context struct {
	values map[string]any
	sizes  map[string]int
	total  int
	limits Limits
	blobs  BlobStore
}

// NewContext wraps values (which may be nil) with the given limits.
// The map is retained, not copied; mutations through the helpers are
// visible to the caller that persists the execution.
func NewContext(values map[string]any, limits Limits, blobs BlobStore) *Context {
	if values == nil {
		values = make(map[string]any)
	}
	c := &Context{
		values: values,
		sizes:  make(map[string]int, len(values)),
		limits: limits,
		blobs:  blobs,
	}
	for k, v := range values {
		n, _, err := measure(v)
		if err != nil {
			n = 0
		}
		c.sizes[k] = n
		c.total += n
	}
	return c
}

// Values returns the underlying map. External-tier markers are left in
// place; use Get to dereference them.
func (c *Context) Values() map[string]any { return c.values }

// Len returns the number of keys.
func (c *Context) Len() int { return len(c.values) }

// TotalSize returns the serialized byte total of all inline values.
func (c *Context) TotalSize() int { return c.total }

// Has reports whether the key exists.
func (c *Context) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Get returns the value at key, transparently dereferencing an
// external-tier marker. A missing key yields (nil, nil).
func (c *Context) Get(ctx context.Context, key string) (any, error) {
	v, ok := c.values[key]
	if !ok {
		return nil, nil
	}
	if ref, ok := externalRef(v); ok {
		if c.blobs == nil {
			return nil, NewError(CodeInputError, "context value "+key+" is external but no blob store is configured")
		}
		return c.blobs.Get(ctx, ref)
	}
	return v, nil
}

// GetAll resolves several keys at once. Missing keys are omitted.
func (c *Context) GetAll(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if !c.Has(k) {
			continue
		}
		v, err := c.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Delete removes a key, reporting whether it existed.
func (c *Context) Delete(key string) bool {
	if _, ok := c.values[key]; !ok {
		return false
	}
	c.total -= c.sizes[key]
	delete(c.sizes, key)
	delete(c.values, key)
	return true
}

// Set stores value under key, enforcing every limit:
//
//  1. The serialized value must fit MaxValueSize and MaxDepth.
//  2. A new key must not push the key count past MaxKeys.
//  3. The projected total must fit MaxTotalSize.
//  4. When opts force the external tier, or the value exceeds
//     InlineThreshold and a BlobStore is configured, the value is
//     written externally and an opaque reference marker is stored in
//     its place.
func (c *Context) Set(ctx context.Context, key string, value any, opts *SetOptions) error {
	size, depth, err := measure(value)
	if err != nil {
		return WrapError(CodeInputError, "context value is not serializable: "+key, err)
	}
	if size > c.limits.MaxValueSize {
		return NewError(CodeContextValueTooLarge,
			fmt.Sprintf("value at %q is %d bytes, limit %d", key, size, c.limits.MaxValueSize))
	}
	if depth > c.limits.MaxDepth {
		return NewError(CodeContextNestingLimit,
			fmt.Sprintf("value at %q nests %d levels, limit %d", key, depth, c.limits.MaxDepth))
	}
	if _, exists := c.values[key]; !exists && len(c.values) >= c.limits.MaxKeys {
		return NewError(CodeContextKeyLimit,
			fmt.Sprintf("context already holds %d keys, limit %d", len(c.values), c.limits.MaxKeys))
	}

	wantExternal := false
	if opts != nil && opts.Tier == TierExternal && (opts.Force || c.blobs != nil) {
		wantExternal = true
	} else if c.blobs != nil && c.limits.InlineThreshold > 0 && size > c.limits.InlineThreshold {
		wantExternal = true
	}
	if wantExternal {
		if c.blobs == nil {
			return NewError(CodeInputError, "external tier requested but no blob store is configured")
		}
		ref, err := c.blobs.Put(ctx, value)
		if err != nil {
			return WrapError(CodeInputError, "external store write failed for "+key, err)
		}
		marker := map[string]any{
			refField:    ref,
			"size":      size,
			"createdAt": nowMillis(),
		}
		value = marker
		size, _, _ = measure(marker)
	}

	projected := c.total - c.sizes[key] + size
	if projected > c.limits.MaxTotalSize {
		return NewError(CodeContextSizeLimit,
			fmt.Sprintf("context would grow to %d bytes, limit %d", projected, c.limits.MaxTotalSize))
	}

	c.total = projected
	c.sizes[key] = size
	c.values[key] = value
	return nil
}

// SetPath sets a dot-navigated path. A single-segment path is a plain
// Set; deeper paths rewrite the nested structure under the first
// segment, creating intermediate objects as needed, and re-run the full
// limit checks on the updated top-level value.
func (c *Context) SetPath(ctx context.Context, path string, value any, opts *SetOptions) error {
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		return c.Set(ctx, head, value, opts)
	}

	current := c.values[head]
	raw := []byte("{}")
	if current != nil {
		data, err := json.Marshal(current)
		if err != nil {
			return WrapError(CodeInputError, "context value is not serializable: "+head, err)
		}
		raw = data
	}
	updated, err := sjson.SetBytes(raw, rest, value)
	if err != nil {
		return WrapError(CodeInputError, "cannot set context path "+path, err)
	}
	var decoded any
	if err := json.Unmarshal(updated, &decoded); err != nil {
		return WrapError(CodeInputError, "cannot set context path "+path, err)
	}
	return c.Set(ctx, head, decoded, opts)
}

// externalRef extracts the reference from an external-tier marker.
func externalRef(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	ref, ok := m[refField].(string)
	return ref, ok
}

// measure returns the canonical serialized size of v in bytes together
// with its container nesting depth. Scalars have depth 0; an empty
// container has depth 1.
func measure(v any) (size int, depth int, err error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, 0, err
	}
	var canonical any
	if err := json.Unmarshal(data, &canonical); err != nil {
		return 0, 0, err
	}
	return len(data), depthOf(canonical), nil
}

func depthOf(v any) int {
	switch t := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range t {
			if d := depthOf(child); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		max := 0
		for _, child := range t {
			if d := depthOf(child); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}
