package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// DefaultOutputDir is used when --output-dir is left empty.
const DefaultOutputDir = "./checkpoint1"

// #region resolve

// Resolve parses args against opts, then applies the JSON document named by
// --dataset_config on top. JSON keys win over flag values and unknown JSON keys
// are added as-is.
func Resolve(args []string, opts []Option) (*Config, error) {
	return ResolveWithOutput(args, opts, os.Stderr)
}

// ResolveWithOutput is Resolve with flag usage/errors written to w.
func ResolveWithOutput(args []string, opts []Option, w io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(w)

	values := make(map[string]any, len(opts))
	for i := range opts {
		opt := &opts[i]
		values[opt.KeyName()] = deepCopyValue(opt.Default)
		fs.Var(&optionValue{opt: opt, values: values}, opt.Flag, opt.Help)
	}

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	seen := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { seen[f.Name] = true })
	for _, opt := range opts {
		if opt.Required && !seen[opt.Flag] {
			return nil, fmt.Errorf("%w: --%s is required", ErrConfiguration, opt.Flag)
		}
	}

	if path, _ := values["dataset_config"].(string); path != "" {
		overrides, err := readOverrides(path)
		if err != nil {
			return nil, err
		}
		for k, v := range overrides {
			values[k] = v
		}
	}

	if err := derive(values); err != nil {
		return nil, err
	}
	return &Config{values: values}, nil
}

// #endregion resolve

// #region overrides
func readOverrides(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read dataset config %s: %v", ErrConfiguration, path, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse dataset config %s: %v", ErrConfiguration, path, err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: dataset config %s must be a JSON object", ErrConfiguration, path)
	}
	return obj, nil
}

// #endregion overrides

// #region derive

// derive applies the settings that depend on other settings.
func derive(values map[string]any) error {
	if mm, ok := values["mask_model"].(string); ok && mm != "none" {
		values["masks"] = true
	}
	frozen, _ := values["frozen_weights"].(string)
	masks, _ := values["masks"].(bool)
	if frozen != "" && !masks {
		return &ConsistencyError{Reason: "frozen training is meant for segmentation only (set --mask_model)"}
	}
	if out, ok := values["output_dir"]; ok {
		if s, _ := out.(string); s == "" {
			values["output_dir"] = DefaultOutputDir
		}
	}
	return nil
}

// #endregion derive

// #region flag-value

// optionValue adapts an Option to flag.Value, writing into the shared values map.
type optionValue struct {
	opt     *Option
	values  map[string]any
	touched bool
}

func (v *optionValue) String() string {
	if v == nil || v.opt == nil {
		return ""
	}
	switch cur := v.values[v.opt.KeyName()].(type) {
	case []string:
		return strings.Join(cur, ",")
	case nil:
		return ""
	default:
		return fmt.Sprint(cur)
	}
}

func (v *optionValue) IsBoolFlag() bool {
	return v.opt.Kind == KindBool || v.opt.Kind == KindNegBool
}

func (v *optionValue) Set(s string) error {
	key := v.opt.KeyName()
	switch v.opt.Kind {
	case KindString:
		if len(v.opt.Choices) > 0 && !slices.Contains(v.opt.Choices, s) {
			return fmt.Errorf("invalid choice %q (choose from %s)", s, strings.Join(v.opt.Choices, ", "))
		}
		v.values[key] = s
	case KindInt:
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		v.values[key] = n
	case KindFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		v.values[key] = f
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.values[key] = b
	case KindNegBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.values[key] = !b
	case KindStrictBool:
		b, err := ParseStrictBool(s)
		if err != nil {
			return err
		}
		v.values[key] = b
	case KindStringList:
		var list []string
		if v.touched {
			list, _ = v.values[key].([]string)
		}
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				list = append(list, part)
			}
		}
		v.values[key] = list
	}
	v.touched = true
	return nil
}

// ParseStrictBool accepts only "true" or "false", case-insensitively.
func ParseStrictBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q (want true or false)", s)
}

// #endregion flag-value
