package config

import (
	"encoding/json"
	"fmt"
	"time"

	"dpn/pkg/utils"

	"gopkg.in/yaml.v3"
)

// Duration accepts "90s"-style strings or integer nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(int64(v))
	case int:
		*d = Duration(int64(v))
	default:
		return fmt.Errorf("duration must be a string or number, got %T", v)
	}
	return nil
}

// Size accepts byte counts or human-friendly strings such as "500GB".
type Size int64

func (s Size) Bytes() int64 { return int64(s) }

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(s))
}

func (s *Size) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return s.set(raw)
}

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return s.set(raw)
}

func (s *Size) set(raw interface{}) error {
	switch v := raw.(type) {
	case float64:
		*s = Size(int64(v))
	case int:
		*s = Size(int64(v))
	case string:
		parsed, err := utils.ParseDataSize(v)
		if err != nil {
			return fmt.Errorf("invalid size: %w", err)
		}
		*s = Size(parsed)
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	return nil
}
