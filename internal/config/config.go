package config

import "math"

// #region config

// Config is the merged run configuration. It is immutable once Resolve returns;
// all accessors copy values out.
type Config struct {
	values map[string]any
}

// New builds a Config from an existing key/value map, e.g. a checkpoint's args snapshot.
func New(values map[string]any) *Config {
	return &Config{values: deepCopyMap(values)}
}

// Has reports whether key is present.
func (c *Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Snapshot returns a deep copy of every setting, suitable for embedding in a checkpoint.
func (c *Config) Snapshot() map[string]any {
	return deepCopyMap(c.values)
}

// #endregion config

// #region accessors

// Get returns the raw value for key.
func (c *Config) Get(key string) (any, error) {
	v, ok := c.values[key]
	if !ok {
		return nil, &MissingKeyError{Key: key}
	}
	return v, nil
}

// String returns a string setting. A JSON null reads as the empty string.
func (c *Config) String(key string) (string, error) {
	v, err := c.Get(key)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", nil
	}
	return "", &TypeError{Key: key, Want: "string", Got: v}
}

// Int returns an integer setting. Integral JSON numbers are accepted.
func (c *Config) Int(key string) (int, error) {
	v, err := c.Get(key)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		if t == math.Trunc(t) {
			return int(t), nil
		}
	}
	return 0, &TypeError{Key: key, Want: "int", Got: v}
}

// Float returns a floating point setting.
func (c *Config) Float(key string) (float64, error) {
	v, err := c.Get(key)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	}
	return 0, &TypeError{Key: key, Want: "float", Got: v}
}

// Bool returns a boolean setting. The strings "true" and "false" are
// accepted as well, since strict-bool flags may arrive that way from JSON.
func (c *Config) Bool(key string) (bool, error) {
	v, err := c.Get(key)
	if err != nil {
		return false, err
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		if b, err := ParseStrictBool(t); err == nil {
			return b, nil
		}
	}
	return false, &TypeError{Key: key, Want: "bool", Got: v}
}

// Strings returns a list setting. JSON arrays of strings are accepted.
func (c *Config) Strings(key string) ([]string, error) {
	v, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, &TypeError{Key: key, Want: "[]string", Got: v}
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, &TypeError{Key: key, Want: "[]string", Got: v}
}

// #endregion accessors

// #region reader

// Reader reads many keys and keeps the first error, so settings can be
// extracted field by field and checked once.
type Reader struct {
	cfg *Config
	err error
}

// Reader returns a Reader over c.
func (c *Config) Reader() *Reader {
	return &Reader{cfg: c}
}

func (r *Reader) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

func (r *Reader) String(key string) string {
	v, err := r.cfg.String(key)
	r.keep(err)
	return v
}

func (r *Reader) Int(key string) int {
	v, err := r.cfg.Int(key)
	r.keep(err)
	return v
}

func (r *Reader) Float(key string) float64 {
	v, err := r.cfg.Float(key)
	r.keep(err)
	return v
}

func (r *Reader) Bool(key string) bool {
	v, err := r.cfg.Bool(key)
	r.keep(err)
	return v
}

func (r *Reader) Strings(key string) []string {
	v, err := r.cfg.Strings(key)
	r.keep(err)
	return v
}

// Err returns the first error encountered.
func (r *Reader) Err() error {
	return r.err
}

// #endregion reader

// #region helpers
func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// #endregion helpers
