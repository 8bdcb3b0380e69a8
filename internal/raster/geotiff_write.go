package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zlib"
)

// stripTarget is the approximate uncompressed size of one strip.
const stripTarget = 64 << 10

type outTag struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// Write encodes g as a deflate-compressed GeoTIFF and atomically replaces
// path with it. Readers never observe a partially written file.
func Write(path string, g *Grid) error {
	buf, err := Encode(g)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Encode serializes g as a single-band little-endian GeoTIFF.
func Encode(g *Grid) ([]byte, error) {
	size := g.Type.Size()
	if size == 0 {
		return nil, fmt.Errorf("encode raster: unknown data type %v", g.Type)
	}
	if g.Width <= 0 || g.Height <= 0 || len(g.Data) != g.Width*g.Height {
		return nil, fmt.Errorf("encode raster: invalid shape %dx%d with %d samples", g.Width, g.Height, len(g.Data))
	}
	bo := binary.LittleEndian

	rowBytes := g.Width * size
	rowsPerStrip := stripTarget / rowBytes
	if rowsPerStrip < 1 {
		rowsPerStrip = 1
	}
	if rowsPerStrip > g.Height {
		rowsPerStrip = g.Height
	}
	nStrips := (g.Height + rowsPerStrip - 1) / rowsPerStrip

	var out bytes.Buffer
	out.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0})

	offsets := make([]uint32, nStrips)
	counts := make([]uint32, nStrips)
	raw := make([]byte, rowsPerStrip*rowBytes)
	for s := 0; s < nStrips; s++ {
		r0 := s * rowsPerStrip
		r1 := min(r0+rowsPerStrip, g.Height)
		chunk := raw[:(r1-r0)*rowBytes]
		for i, v := range g.Data[r0*g.Width : r1*g.Width] {
			putSample(chunk[i*size:], bo, g.Type, v)
		}

		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		if _, err := zw.Write(chunk); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		offsets[s] = uint32(out.Len())
		counts[s] = uint32(zbuf.Len())
		out.Write(zbuf.Bytes())
		if out.Len()%2 == 1 {
			out.WriteByte(0)
		}
	}

	bits, format := uint16(size*8), uint16(1)
	switch g.Type {
	case Int16, Int32:
		format = 2
	case Float32, Float64:
		format = 3
	}

	gt := g.GeoTransform
	tags := []outTag{
		shortTag(tagImageWidth, uint16(g.Width)),
		shortTag(tagImageLength, uint16(g.Height)),
		shortTag(tagBitsPerSample, bits),
		shortTag(tagCompression, compressionDeflate),
		shortTag(tagPhotometric, 1),
		longsTag(tagStripOffsets, offsets),
		shortTag(tagSamplesPerPixel, 1),
		longsTag(tagRowsPerStrip, []uint32{uint32(rowsPerStrip)}),
		longsTag(tagStripByteCounts, counts),
		shortTag(tagPlanarConfig, 1),
		shortTag(tagSampleFormat, format),
	}
	if g.Width > math.MaxUint16 || g.Height > math.MaxUint16 {
		tags[0] = longsTag(tagImageWidth, []uint32{uint32(g.Width)})
		tags[1] = longsTag(tagImageLength, []uint32{uint32(g.Height)})
	}
	if gt[2] == 0 && gt[4] == 0 {
		tags = append(tags,
			doublesTag(tagModelPixelScale, []float64{gt[1], -gt[5], 0}),
			doublesTag(tagModelTiepoint, []float64{0, 0, 0, gt[0], gt[3], 0}),
		)
	} else {
		tags = append(tags, doublesTag(tagModelTransformation, []float64{
			gt[1], gt[2], 0, gt[0],
			gt[4], gt[5], 0, gt[3],
			0, 0, 0, 0,
			0, 0, 0, 1,
		}))
	}
	tags = append(tags, geoKeysTag(g.EPSG))
	if g.HasNoData {
		s := strconv.FormatFloat(g.NoData, 'g', -1, 64)
		tags = append(tags, outTag{tag: tagGDALNoData, typ: typeASCII, count: uint32(len(s) + 1), data: append([]byte(s), 0)})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].tag < tags[j].tag })

	// out-of-line tag values go between the strips and the IFD
	valueOffsets := make([]uint32, len(tags))
	for i, t := range tags {
		if len(t.data) > 4 {
			valueOffsets[i] = uint32(out.Len())
			out.Write(t.data)
			if out.Len()%2 == 1 {
				out.WriteByte(0)
			}
		}
	}

	ifdOffset := uint32(out.Len())
	var entry [12]byte
	var n [2]byte
	bo.PutUint16(n[:], uint16(len(tags)))
	out.Write(n[:])
	for i, t := range tags {
		bo.PutUint16(entry[0:], t.tag)
		bo.PutUint16(entry[2:], t.typ)
		bo.PutUint32(entry[4:], t.count)
		clear(entry[8:])
		if len(t.data) > 4 {
			bo.PutUint32(entry[8:], valueOffsets[i])
		} else {
			copy(entry[8:], t.data)
		}
		out.Write(entry[:])
	}
	out.Write([]byte{0, 0, 0, 0})

	b := out.Bytes()
	bo.PutUint32(b[4:8], ifdOffset)
	return b, nil
}

func putSample(b []byte, bo binary.ByteOrder, dt DataType, v float64) {
	switch dt {
	case Uint8:
		b[0] = uint8(v)
	case Int16:
		bo.PutUint16(b, uint16(int16(v)))
	case Uint16:
		bo.PutUint16(b, uint16(v))
	case Int32:
		bo.PutUint32(b, uint32(int32(v)))
	case Uint32:
		bo.PutUint32(b, uint32(v))
	case Float32:
		bo.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		bo.PutUint64(b, math.Float64bits(v))
	}
}

func shortTag(tag, v uint16) outTag {
	d := make([]byte, 2)
	binary.LittleEndian.PutUint16(d, v)
	return outTag{tag: tag, typ: typeShort, count: 1, data: d}
}

func shortsTag(tag uint16, v []uint16) outTag {
	d := make([]byte, 2*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint16(d[2*i:], x)
	}
	return outTag{tag: tag, typ: typeShort, count: uint32(len(v)), data: d}
}

func longsTag(tag uint16, v []uint32) outTag {
	d := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(d[4*i:], x)
	}
	return outTag{tag: tag, typ: typeLong, count: uint32(len(v)), data: d}
}

func doublesTag(tag uint16, v []float64) outTag {
	d := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(d[8*i:], math.Float64bits(x))
	}
	return outTag{tag: tag, typ: typeDouble, count: uint32(len(v)), data: d}
}

// geoKeysTag builds a GeoKeyDirectory declaring pixel-is-area and, when
// epsg is set, the coordinate system. Codes 4000-4999 are treated as
// geographic.
func geoKeysTag(epsg int) outTag {
	keys := [][4]uint16{{geoKeyRasterType, 0, 1, 1}}
	switch {
	case epsg >= 4000 && epsg < 5000:
		keys = append([][4]uint16{{geoKeyModelType, 0, 1, 2}}, keys...)
		keys = append(keys, [4]uint16{geoKeyGeographicType, 0, 1, uint16(epsg)})
	case epsg > 0 && epsg <= math.MaxUint16:
		keys = append([][4]uint16{{geoKeyModelType, 0, 1, 1}}, keys...)
		keys = append(keys, [4]uint16{geoKeyProjectedType, 0, 1, uint16(epsg)})
	}
	v := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		v = append(v, k[:]...)
	}
	return shortsTag(tagGeoKeyDirectory, v)
}
