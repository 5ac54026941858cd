// Package dataset provides labelled sample sources for the prefetch pipeline
// and the protobuf wire codecs for sample records and mean blobs.
package dataset

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the Datum record
const (
	datumChannels  protowire.Number = 1
	datumHeight    protowire.Number = 2
	datumWidth     protowire.Number = 3
	datumData      protowire.Number = 4
	datumLabel     protowire.Number = 5
	datumFloatData protowire.Number = 6
	datumEncoded   protowire.Number = 7
)

// Datum is one labelled sample in CHW layout. Pixel values are carried either
// as raw bytes in Data or as FloatData, never both.
type Datum struct {
	Channels  int
	Height    int
	Width     int
	Data      []byte
	FloatData []float32
	Label     int32
	Encoded   bool
}

// Count returns channels*height*width
func (d *Datum) Count() int {
	return d.Channels * d.Height * d.Width
}

// Value returns element i as float64 regardless of storage
func (d *Datum) Value(i int) float64 {
	if len(d.Data) > 0 {
		return float64(d.Data[i])
	}
	return float64(d.FloatData[i])
}

// Validate checks that the payload matches the declared shape
func (d *Datum) Validate() error {
	if d.Encoded {
		return errors.New("encoded datums are not supported")
	}
	n := d.Count()
	if len(d.Data) > 0 && len(d.FloatData) > 0 {
		return errors.New("datum carries both byte and float data")
	}
	if len(d.Data) > 0 && len(d.Data) != n {
		return errors.Errorf("datum byte data has %d values, shape %dx%dx%d needs %d",
			len(d.Data), d.Channels, d.Height, d.Width, n)
	}
	if len(d.FloatData) > 0 && len(d.FloatData) != n {
		return errors.Errorf("datum float data has %d values, shape %dx%dx%d needs %d",
			len(d.FloatData), d.Channels, d.Height, d.Width, n)
	}
	if len(d.Data) == 0 && len(d.FloatData) == 0 && n > 0 {
		return errors.New("datum has no data")
	}
	return nil
}

// Marshal encodes the datum in protobuf wire format
func (d *Datum) Marshal() []byte {
	var b []byte
	b = appendInt32(b, datumChannels, int32(d.Channels))
	b = appendInt32(b, datumHeight, int32(d.Height))
	b = appendInt32(b, datumWidth, int32(d.Width))
	if len(d.Data) > 0 {
		b = protowire.AppendTag(b, datumData, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Data)
	}
	b = appendInt32(b, datumLabel, d.Label)
	if len(d.FloatData) > 0 {
		packed := make([]byte, 0, 4*len(d.FloatData))
		for _, f := range d.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = protowire.AppendTag(b, datumFloatData, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if d.Encoded {
		b = protowire.AppendTag(b, datumEncoded, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// UnmarshalDatum decodes a datum from protobuf wire format. Unknown fields are skipped.
func UnmarshalDatum(b []byte) (*Datum, error) {
	d := &Datum{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "datum tag")
		}
		b = b[n:]

		switch {
		case num == datumChannels && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "datum channels")
			}
			d.Channels = int(int32(v))
			b = b[n:]
		case num == datumHeight && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "datum height")
			}
			d.Height = int(int32(v))
			b = b[n:]
		case num == datumWidth && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "datum width")
			}
			d.Width = int(int32(v))
			b = b[n:]
		case num == datumData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "datum data")
			}
			d.Data = append([]byte(nil), v...)
			b = b[n:]
		case num == datumLabel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "datum label")
			}
			d.Label = int32(v)
			b = b[n:]
		case num == datumFloatData:
			vals, n, err := consumeFloats(b, typ)
			if err != nil {
				return nil, errors.Wrap(err, "datum float_data")
			}
			d.FloatData = append(d.FloatData, vals...)
			b = b[n:]
		case num == datumEncoded && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "datum encoded")
			}
			d.Encoded = v != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "datum field %d", num)
			}
			b = b[n:]
		}
	}
	return d, nil
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

// consumeFloats reads a repeated float field in either packed or unpacked form
func consumeFloats(b []byte, typ protowire.Type) ([]float32, int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return []float32{math.Float32frombits(v)}, n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		if len(packed)%4 != 0 {
			return nil, 0, errors.Errorf("packed float length %d is not a multiple of 4", len(packed))
		}
		vals := make([]float32, 0, len(packed)/4)
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			vals = append(vals, math.Float32frombits(v))
			packed = packed[m:]
		}
		return vals, n, nil
	default:
		return nil, 0, errors.Errorf("unexpected wire type %d for float field", typ)
	}
}

// consumeDoubles reads a repeated double field in either packed or unpacked form
func consumeDoubles(b []byte, typ protowire.Type) ([]float64, int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return []float64{math.Float64frombits(v)}, n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		if len(packed)%8 != 0 {
			return nil, 0, errors.Errorf("packed double length %d is not a multiple of 8", len(packed))
		}
		vals := make([]float64, 0, len(packed)/8)
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed64(packed)
			vals = append(vals, math.Float64frombits(v))
			packed = packed[m:]
		}
		return vals, n, nil
	default:
		return nil, 0, errors.Errorf("unexpected wire type %d for double field", typ)
	}
}
