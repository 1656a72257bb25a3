package checkpoint

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// #region bundle

// Bundle is one checkpoint. ModelEMA is nil when EMA tracking was off;
// Optimizer is nil for weight-only exports. Epoch is meaningful only when
// HasEpoch is set.
type Bundle struct {
	Model      StateDict
	ModelEMA   StateDict
	Optimizer  []byte
	Epoch      int
	HasEpoch   bool
	Args       map[string]any
	BestMetric *float64
}

// Resumable reports whether the bundle carries enough to continue training
// where it stopped: optimizer state and an epoch counter.
func (b *Bundle) Resumable() bool {
	return b.HasEpoch && b.Optimizer != nil
}

// HasEMA reports whether the bundle carries non-empty EMA weights.
func (b *Bundle) HasEMA() bool {
	return len(b.ModelEMA) > 0
}

// #endregion bundle

// #region codec

var magic = []byte("GRNDCKPT")

const formatVersion = 1

type wireBundle struct {
	Version    int            `msgpack:"version"`
	Model      StateDict      `msgpack:"model"`
	ModelEMA   StateDict      `msgpack:"model_ema,omitempty"`
	Optimizer  []byte         `msgpack:"optimizer,omitempty"`
	Epoch      *int           `msgpack:"epoch,omitempty"`
	Args       map[string]any `msgpack:"args"`
	BestMetric *float64       `msgpack:"best_metric,omitempty"`
}

// Encode writes b to w.
func Encode(w io.Writer, b *Bundle) error {
	wire := wireBundle{
		Version:    formatVersion,
		Model:      b.Model,
		ModelEMA:   b.ModelEMA,
		Optimizer:  b.Optimizer,
		Args:       b.Args,
		BestMetric: b.BestMetric,
	}
	if b.HasEpoch {
		epoch := b.Epoch
		wire.Epoch = &epoch
	}
	if _, err := w.Write(magic); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := msgpack.NewEncoder(w).Encode(&wire); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	return nil
}

// Decode reads a bundle written by Encode. Integer and float values inside
// Args come back as int64, uint64 or float64.
func Decode(r io.Reader) (*Bundle, error) {
	br := bufio.NewReader(r)
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if !bytes.Equal(head, magic) {
		return nil, fmt.Errorf("bad header %q", head)
	}

	dec := msgpack.NewDecoder(br)
	dec.UseLooseInterfaceDecoding(true)
	var wire wireBundle
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if wire.Version != formatVersion {
		return nil, fmt.Errorf("unsupported format version %d", wire.Version)
	}
	if wire.Model == nil {
		return nil, fmt.Errorf("bundle has no model state")
	}
	if err := wire.Model.Validate(); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	if err := wire.ModelEMA.Validate(); err != nil {
		return nil, fmt.Errorf("model_ema: %w", err)
	}

	b := &Bundle{
		Model:      wire.Model,
		ModelEMA:   wire.ModelEMA,
		Optimizer:  wire.Optimizer,
		Args:       wire.Args,
		BestMetric: wire.BestMetric,
	}
	if wire.Epoch != nil {
		if *wire.Epoch < 0 {
			return nil, fmt.Errorf("negative epoch %d", *wire.Epoch)
		}
		b.Epoch = *wire.Epoch
		b.HasEpoch = true
	}
	return b, nil
}

// MarshalStateDict encodes a bare state dict, the form it travels in
// between the controller and the worker.
func MarshalStateDict(sd StateDict) ([]byte, error) {
	return msgpack.Marshal(sd)
}

// UnmarshalStateDict decodes a state dict written by MarshalStateDict. An
// empty payload decodes to nil.
func UnmarshalStateDict(data []byte) (StateDict, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var sd StateDict
	if err := msgpack.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("decode state dict: %w", err)
	}
	if err := sd.Validate(); err != nil {
		return nil, fmt.Errorf("decode state dict: %w", err)
	}
	return sd, nil
}

// #endregion codec
