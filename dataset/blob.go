package dataset

import (
	"log"
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the BlobProto record
const (
	blobNum        protowire.Number = 1
	blobChannels   protowire.Number = 2
	blobHeight     protowire.Number = 3
	blobWidth      protowire.Number = 4
	blobData       protowire.Number = 5
	blobShape      protowire.Number = 7
	blobDoubleData protowire.Number = 8

	shapeDim protowire.Number = 1
)

// Blob is a 4-D NCHW array, used for the precomputed data mean
type Blob struct {
	Num      int
	Channels int
	Height   int
	Width    int
	Data     []float64
}

// NewBlob creates a zero-filled blob
func NewBlob(num, channels, height, width int) *Blob {
	return &Blob{
		Num:      num,
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float64, num*channels*height*width),
	}
}

// Count returns the total number of elements
func (b *Blob) Count() int {
	return b.Num * b.Channels * b.Height * b.Width
}

// At returns the value at (n, c, h, w)
func (b *Blob) At(n, c, h, w int) float64 {
	return b.Data[((n*b.Channels+c)*b.Height+h)*b.Width+w]
}

// Marshal encodes the blob in protobuf wire format using the legacy 4-D
// fields and packed double data.
func (b *Blob) Marshal() []byte {
	var out []byte
	out = appendInt32(out, blobNum, int32(b.Num))
	out = appendInt32(out, blobChannels, int32(b.Channels))
	out = appendInt32(out, blobHeight, int32(b.Height))
	out = appendInt32(out, blobWidth, int32(b.Width))
	if len(b.Data) > 0 {
		packed := make([]byte, 0, 8*len(b.Data))
		for _, v := range b.Data {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		out = protowire.AppendTag(out, blobDoubleData, protowire.BytesType)
		out = protowire.AppendBytes(out, packed)
	}
	return out
}

// UnmarshalBlob decodes a BlobProto. Both the legacy num/channels/height/width
// fields and the newer shape message are understood; float and double data are
// both accepted.
func UnmarshalBlob(b []byte) (*Blob, error) {
	blob := &Blob{}
	var dims []int64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "blob tag")
		}
		b = b[n:]

		switch {
		case num >= blobNum && num <= blobWidth && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "blob field %d", num)
			}
			switch num {
			case blobNum:
				blob.Num = int(int32(v))
			case blobChannels:
				blob.Channels = int(int32(v))
			case blobHeight:
				blob.Height = int(int32(v))
			case blobWidth:
				blob.Width = int(int32(v))
			}
			b = b[n:]
		case num == blobData:
			vals, n, err := consumeFloats(b, typ)
			if err != nil {
				return nil, errors.Wrap(err, "blob data")
			}
			for _, v := range vals {
				blob.Data = append(blob.Data, float64(v))
			}
			b = b[n:]
		case num == blobDoubleData:
			vals, n, err := consumeDoubles(b, typ)
			if err != nil {
				return nil, errors.Wrap(err, "blob double_data")
			}
			blob.Data = append(blob.Data, vals...)
			b = b[n:]
		case num == blobShape && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "blob shape")
			}
			d, err := unmarshalShape(msg)
			if err != nil {
				return nil, err
			}
			dims = d
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "blob field %d", num)
			}
			b = b[n:]
		}
	}

	if dims != nil {
		if len(dims) > 4 {
			return nil, errors.Errorf("blob shape has %d axes, at most 4 supported", len(dims))
		}
		// Right-align into NCHW, leading axes default to 1
		full := []int{1, 1, 1, 1}
		for i, d := range dims {
			full[4-len(dims)+i] = int(d)
		}
		blob.Num, blob.Channels, blob.Height, blob.Width = full[0], full[1], full[2], full[3]
	}

	if len(blob.Data) != blob.Count() {
		return nil, errors.Errorf("blob %dx%dx%dx%d has %d values, expected %d",
			blob.Num, blob.Channels, blob.Height, blob.Width, len(blob.Data), blob.Count())
	}
	return blob, nil
}

func unmarshalShape(b []byte) ([]int64, error) {
	var dims []int64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "shape tag")
		}
		b = b[n:]
		if num != shapeDim {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "shape field %d", num)
			}
			b = b[n:]
			continue
		}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "shape dim")
			}
			dims = append(dims, int64(v))
			b = b[n:]
		case protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "shape dims")
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, errors.Wrap(protowire.ParseError(m), "shape dim")
				}
				dims = append(dims, int64(v))
				packed = packed[m:]
			}
			b = b[n:]
		default:
			return nil, errors.Errorf("unexpected wire type %d for shape dim", typ)
		}
	}
	return dims, nil
}

// LoadMean reads a binary BlobProto mean file
func LoadMean(path string) (*Blob, error) {
	log.Printf("Loading mean file from %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read mean file %s", path)
	}
	blob, err := UnmarshalBlob(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse mean file %s", path)
	}
	return blob, nil
}

// SaveMean writes a blob as a binary BlobProto file
func SaveMean(path string, blob *Blob) error {
	if err := os.WriteFile(path, blob.Marshal(), 0644); err != nil {
		return errors.Wrapf(err, "failed to write mean file %s", path)
	}
	return nil
}
