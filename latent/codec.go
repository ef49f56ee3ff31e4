package latent

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pdevine/tensor"
)

// record is the on-disk form of a float64 tensor.
type record struct {
	Shape []int     `cbor:"shape"`
	Data  []float64 `cbor:"data"`
}

// Encode writes t to w as a CBOR record. Float32 tensors are widened first.
func Encode(w io.Writer, t *tensor.Dense) error {
	t, err := Upcast(t)
	if err != nil {
		return err
	}
	return cbor.NewEncoder(w).Encode(record{Shape: t.Shape().Clone(), Data: t.Float64s()})
}

// Decode reads a tensor previously written by Encode.
func Decode(r io.Reader) (*tensor.Dense, error) {
	var rec record
	if err := cbor.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode tensor: %w", err)
	}
	return FromData(rec.Data, rec.Shape...)
}
