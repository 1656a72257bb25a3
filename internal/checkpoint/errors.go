package checkpoint

import (
	"errors"
	"fmt"
)

// ErrCheckpointLoad matches every failure to read a checkpoint: a missing
// file, an undecodable payload or a tensor schema that does not fit.
var ErrCheckpointLoad = errors.New("checkpoint load failed")

// #region not-found

// NotFoundError is returned when the checkpoint path does not exist.
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("checkpoint %s not found: %v", e.Path, e.Err)
}

func (e *NotFoundError) Unwrap() error        { return e.Err }
func (e *NotFoundError) Is(target error) bool { return target == ErrCheckpointLoad }

// #endregion not-found

// #region corrupt

// CorruptError is returned when a file exists but cannot be decoded, or its
// content hash disagrees with the one embedded in its name.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("checkpoint %s unreadable: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error        { return e.Err }
func (e *CorruptError) Is(target error) bool { return target == ErrCheckpointLoad }

// #endregion corrupt

// #region schema

// SchemaError is returned when a stored tensor cannot be loaded into the
// current model, i.e. both sides know the key but disagree on its shape.
type SchemaError struct {
	Key  string
	Want []int
	Got  []int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("checkpoint tensor %q has shape %v, model expects %v", e.Key, e.Got, e.Want)
}

func (e *SchemaError) Is(target error) bool { return target == ErrCheckpointLoad }

// #endregion schema
