package config

import (
	"errors"
	"fmt"
)

// #region sentinels
var (
	// ErrConfiguration marks fatal configuration problems detected before training starts.
	ErrConfiguration = errors.New("configuration error")
	// ErrConsistency marks mutually incompatible settings.
	ErrConsistency = errors.New("inconsistent configuration")
	// ErrMissingKey is returned when a key is read that the merged configuration does not hold.
	ErrMissingKey = errors.New("missing configuration key")
)

// #endregion sentinels

// #region typed-errors

// MissingKeyError reports the first access to an absent key.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("config: missing key %q", e.Key)
}

// Is lets errors.Is match ErrMissingKey.
func (e *MissingKeyError) Is(target error) bool {
	return target == ErrMissingKey
}

// ConsistencyError reports a combination of settings that cannot run together.
type ConsistencyError struct {
	Reason string
}

func (e *ConsistencyError) Error() string {
	return "config: " + e.Reason
}

// Is lets errors.Is match ErrConsistency and ErrConfiguration.
func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency || target == ErrConfiguration
}

// TypeError reports a key holding a value of the wrong type.
type TypeError struct {
	Key  string
	Want string
	Got  any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("config: key %q: expected %s, got %T", e.Key, e.Want, e.Got)
}

// #endregion typed-errors
