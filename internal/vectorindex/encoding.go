package vectorindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Binary layout shared by the index structure and raw vector batches:
//
//	magic   [4]byte
//	version uint16
//	dim     uint32
//	count   uint32
//	data    count*dim little-endian IEEE 754 float32
const (
	formatVersion uint16 = 1
	headerSize           = 4 + 2 + 4 + 4
)

var (
	indexMagic  = [4]byte{'A', 'V', 'I', 'X'}
	vectorMagic = [4]byte{'A', 'V', 'E', 'C'}
)

// ErrCorrupt is returned when serialized data cannot be decoded.
var ErrCorrupt = errors.New("vectorindex: corrupt data")

// MarshalBinary serializes the index structure.
func (x *Index) MarshalBinary() ([]byte, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return encode(indexMagic, x.dim, x.vecs)
}

// UnmarshalBinary replaces the index contents with the decoded data.
func (x *Index) UnmarshalBinary(data []byte) error {
	dim, vecs, err := decode(indexMagic, data)
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.dim = dim
	x.vecs = vecs
	return nil
}

// EncodeVectors serializes a batch of equal-length vectors.
func EncodeVectors(vectors [][]float32) ([]byte, error) {
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, batch has %d",
				ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return encode(vectorMagic, dim, vectors)
}

// DecodeVectors decodes a batch produced by EncodeVectors.
func DecodeVectors(data []byte) ([][]float32, error) {
	_, vecs, err := decode(vectorMagic, data)
	return vecs, err
}

func encode(magic [4]byte, dim int, vecs [][]float32) ([]byte, error) {
	if dim > math.MaxUint32 || len(vecs) > math.MaxUint32 {
		return nil, fmt.Errorf("vectorindex: index too large to encode")
	}
	out := make([]byte, headerSize, headerSize+len(vecs)*dim*4)
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint16(out[4:6], formatVersion)
	binary.LittleEndian.PutUint32(out[6:10], uint32(dim))       //nolint:gosec // bounded above
	binary.LittleEndian.PutUint32(out[10:14], uint32(len(vecs))) //nolint:gosec // bounded above
	for _, v := range vecs {
		for _, f := range v {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
		}
	}
	return out, nil
}

func decode(magic [4]byte, data []byte) (int, [][]float32, error) {
	if len(data) < headerSize {
		return 0, nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(data))
	}
	if [4]byte(data[0:4]) != magic {
		return 0, nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, data[0:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != formatVersion {
		return 0, nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, v)
	}
	dim := int(binary.LittleEndian.Uint32(data[6:10]))
	n := int(binary.LittleEndian.Uint32(data[10:14]))

	body := data[headerSize:]
	if n > 0 && dim == 0 {
		return 0, nil, fmt.Errorf("%w: %d vectors with zero dimension", ErrCorrupt, n)
	}
	if dim != 0 && n > len(body)/(4*dim) {
		return 0, nil, fmt.Errorf("%w: header claims %d vectors of dimension %d, body is %d bytes", ErrCorrupt, n, dim, len(body))
	}
	if want := n * dim * 4; len(body) != want {
		return 0, nil, fmt.Errorf("%w: body is %d bytes, want %d", ErrCorrupt, len(body), want)
	}

	vecs := make([][]float32, n)
	off := 0
	for i := range vecs {
		v := make([]float32, dim)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(body[off : off+4]))
			off += 4
		}
		vecs[i] = v
	}
	return dim, vecs, nil
}
