package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// TIFF tags used by the codec.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfig        = 284
	tagPredictor           = 317
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagSampleFormat        = 339
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGDALNoData          = 42113
)

// TIFF field types.
const (
	typeByte   = 1
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeSByte  = 6
	typeUndef  = 7
	typeSShort = 8
	typeSLong  = 9
	typeFloat  = 11
	typeDouble = 12
	typeLong8  = 16
)

// Compression schemes.
const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionDeflateOld = 32946
)

// GeoKeys.
const (
	geoKeyModelType      = 1024
	geoKeyRasterType     = 1025
	geoKeyGeographicType = 2048
	geoKeyProjectedType  = 3072
)

// ErrUnsupported is returned for valid TIFF files that use features this
// codec does not implement.
var ErrUnsupported = errors.New("unsupported tiff feature")

// Header describes a raster file without decoding its pixels.
type Header struct {
	Width        int
	Height       int
	Bands        int
	Type         DataType
	GeoTransform [6]float64
	EPSG         int
	NoData       float64
	HasNoData    bool
}

type ifdEntry struct {
	typ   uint16
	count uint32
	data  []byte
}

type tiffReader struct {
	buf  []byte
	bo   binary.ByteOrder
	tags map[uint16]ifdEntry
}

func typeSize(typ uint16) int {
	switch typ {
	case typeByte, typeASCII, typeSByte, typeUndef:
		return 1
	case typeShort, typeSShort:
		return 2
	case typeLong, typeSLong, typeFloat:
		return 4
	case 5, 10, typeDouble, typeLong8:
		return 8
	}
	return 0
}

func parseTIFF(buf []byte) (*tiffReader, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("not a tiff file: too short")
	}
	r := &tiffReader{buf: buf, tags: make(map[uint16]ifdEntry)}
	switch string(buf[:2]) {
	case "II":
		r.bo = binary.LittleEndian
	case "MM":
		r.bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a tiff file: bad byte order mark")
	}
	switch v := r.bo.Uint16(buf[2:4]); v {
	case 42:
	case 43:
		return nil, fmt.Errorf("%w: BigTIFF", ErrUnsupported)
	default:
		return nil, fmt.Errorf("not a tiff file: version %d", v)
	}

	off := int(r.bo.Uint32(buf[4:8]))
	if off+2 > len(buf) {
		return nil, fmt.Errorf("corrupt tiff: ifd offset %d out of range", off)
	}
	n := int(r.bo.Uint16(buf[off:]))
	if off+2+12*n > len(buf) {
		return nil, fmt.Errorf("corrupt tiff: ifd truncated")
	}
	for i := 0; i < n; i++ {
		e := buf[off+2+12*i : off+2+12*i+12]
		tag := r.bo.Uint16(e[0:2])
		typ := r.bo.Uint16(e[2:4])
		count := r.bo.Uint32(e[4:8])
		size := typeSize(typ) * int(count)
		if size == 0 {
			continue
		}
		var data []byte
		if size <= 4 {
			data = e[8 : 8+size]
		} else {
			vo := int(r.bo.Uint32(e[8:12]))
			if vo+size > len(buf) {
				return nil, fmt.Errorf("corrupt tiff: tag %d data out of range", tag)
			}
			data = buf[vo : vo+size]
		}
		r.tags[tag] = ifdEntry{typ: typ, count: count, data: data}
	}
	return r, nil
}

func (r *tiffReader) uints(tag uint16) ([]uint64, bool) {
	e, ok := r.tags[tag]
	if !ok {
		return nil, false
	}
	out := make([]uint64, e.count)
	for i := range out {
		switch e.typ {
		case typeByte, typeUndef:
			out[i] = uint64(e.data[i])
		case typeShort:
			out[i] = uint64(r.bo.Uint16(e.data[2*i:]))
		case typeLong:
			out[i] = uint64(r.bo.Uint32(e.data[4*i:]))
		case typeLong8:
			out[i] = r.bo.Uint64(e.data[8*i:])
		default:
			return nil, false
		}
	}
	return out, true
}

func (r *tiffReader) uint(tag uint16, def uint64) uint64 {
	v, ok := r.uints(tag)
	if !ok || len(v) == 0 {
		return def
	}
	return v[0]
}

func (r *tiffReader) floats(tag uint16) ([]float64, bool) {
	e, ok := r.tags[tag]
	if !ok {
		return nil, false
	}
	out := make([]float64, e.count)
	for i := range out {
		switch e.typ {
		case typeDouble:
			out[i] = math.Float64frombits(r.bo.Uint64(e.data[8*i:]))
		case typeFloat:
			out[i] = float64(math.Float32frombits(r.bo.Uint32(e.data[4*i:])))
		default:
			return nil, false
		}
	}
	return out, true
}

func (r *tiffReader) ascii(tag uint16) (string, bool) {
	e, ok := r.tags[tag]
	if !ok || e.typ != typeASCII {
		return "", false
	}
	return strings.TrimRight(string(e.data), "\x00 "), true
}

func (r *tiffReader) header() (*Header, error) {
	h := &Header{
		Width:        int(r.uint(tagImageWidth, 0)),
		Height:       int(r.uint(tagImageLength, 0)),
		Bands:        int(r.uint(tagSamplesPerPixel, 1)),
		GeoTransform: [6]float64{0, 1, 0, 0, 0, -1},
	}
	if h.Width <= 0 || h.Height <= 0 {
		return nil, fmt.Errorf("corrupt tiff: image size %dx%d", h.Width, h.Height)
	}

	bits := int(r.uint(tagBitsPerSample, 1))
	format := r.uint(tagSampleFormat, 1)
	switch {
	case format == 1 && bits == 8:
		h.Type = Uint8
	case format == 1 && bits == 16:
		h.Type = Uint16
	case format == 1 && bits == 32:
		h.Type = Uint32
	case format == 2 && bits == 8:
		h.Type = Uint8 // signed bytes are widened below
	case format == 2 && bits == 16:
		h.Type = Int16
	case format == 2 && bits == 32:
		h.Type = Int32
	case format == 3 && bits == 32:
		h.Type = Float32
	case format == 3 && bits == 64:
		h.Type = Float64
	default:
		return nil, fmt.Errorf("%w: %d-bit samples with sample format %d", ErrUnsupported, bits, format)
	}

	if m, ok := r.floats(tagModelTransformation); ok && len(m) >= 8 {
		h.GeoTransform = [6]float64{m[3], m[0], m[1], m[7], m[4], m[5]}
	} else {
		scale, sok := r.floats(tagModelPixelScale)
		tie, tok := r.floats(tagModelTiepoint)
		if sok && tok && len(scale) >= 2 && len(tie) >= 6 {
			h.GeoTransform = [6]float64{
				tie[3] - tie[0]*scale[0], scale[0], 0,
				tie[4] + tie[1]*scale[1], 0, -scale[1],
			}
		}
	}

	if keys, ok := r.uints(tagGeoKeyDirectory); ok && len(keys) >= 4 {
		n := int(keys[3])
		for i := 0; i < n && 4+4*i+3 < len(keys); i++ {
			id, loc, val := keys[4+4*i], keys[4+4*i+1], keys[4+4*i+3]
			if loc != 0 {
				continue
			}
			if (id == geoKeyProjectedType || id == geoKeyGeographicType) && val != 32767 {
				h.EPSG = int(val)
			}
		}
	}

	if s, ok := r.ascii(tagGDALNoData); ok && s != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			h.NoData = v
			h.HasNoData = true
		}
	}
	return h, nil
}

// ReadHeader reads the header of the raster at path.
func ReadHeader(path string) (*Header, error) {
	buf, err := os.ReadFile(path) //nolint:gosec // G304: path is user input by design
	if err != nil {
		return nil, err
	}
	r, err := parseTIFF(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	h, err := r.header()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// Read decodes one band of the raster described by ref.
func Read(ref BandRef) (*Grid, error) {
	buf, err := os.ReadFile(ref.Path)
	if err != nil {
		return nil, err
	}
	g, err := Decode(buf, ref.Band)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref.Path, err)
	}
	return g, nil
}

// Decode decodes band (1-based) of an in-memory TIFF file.
func Decode(buf []byte, band int) (*Grid, error) {
	r, err := parseTIFF(buf)
	if err != nil {
		return nil, err
	}
	h, err := r.header()
	if err != nil {
		return nil, err
	}
	if band < 1 || band > h.Bands {
		return nil, fmt.Errorf("band %d out of range: raster has %d band(s)", band, h.Bands)
	}

	data, err := r.decodeBand(h, band)
	if err != nil {
		return nil, err
	}
	return &Grid{
		Width:        h.Width,
		Height:       h.Height,
		GeoTransform: h.GeoTransform,
		EPSG:         h.EPSG,
		Type:         h.Type,
		NoData:       h.NoData,
		HasNoData:    h.HasNoData,
		Data:         data,
	}, nil
}

func (r *tiffReader) decodeBand(h *Header, band int) ([]float64, error) {
	planar := r.uint(tagPlanarConfig, 1)
	spp := h.Bands
	if planar == 2 {
		spp = 1
	}
	sampleSize := h.Type.Size()
	signed8 := r.uint(tagSampleFormat, 1) == 2 && sampleSize == 1
	predictor := r.uint(tagPredictor, 1)
	if predictor == 2 && (h.Type == Float32 || h.Type == Float64) {
		return nil, fmt.Errorf("%w: horizontal predictor on floating point samples", ErrUnsupported)
	}
	if predictor != 1 && predictor != 2 {
		return nil, fmt.Errorf("%w: predictor %d", ErrUnsupported, predictor)
	}
	compression := r.uint(tagCompression, compressionNone)

	out := make([]float64, h.Width*h.Height)
	sampleIdx := 0
	if planar != 2 {
		sampleIdx = band - 1
	}

	// blockW/blockH is the block layout; strips are full-width tiles.
	var blockW, blockH int
	var offsets, counts []uint64
	var ok bool
	if _, tiled := r.tags[tagTileWidth]; tiled {
		blockW = int(r.uint(tagTileWidth, 0))
		blockH = int(r.uint(tagTileLength, 0))
		offsets, ok = r.uints(tagTileOffsets)
		if !ok {
			return nil, fmt.Errorf("corrupt tiff: missing tile offsets")
		}
		counts, ok = r.uints(tagTileByteCounts)
	} else {
		blockW = h.Width
		blockH = int(r.uint(tagRowsPerStrip, uint64(h.Height)))
		if blockH > h.Height || blockH <= 0 {
			blockH = h.Height
		}
		offsets, ok = r.uints(tagStripOffsets)
		if !ok {
			return nil, fmt.Errorf("corrupt tiff: missing strip offsets")
		}
		counts, ok = r.uints(tagStripByteCounts)
	}
	if !ok || len(counts) != len(offsets) {
		return nil, fmt.Errorf("corrupt tiff: block byte counts do not match offsets")
	}
	if blockW <= 0 || blockH <= 0 {
		return nil, fmt.Errorf("corrupt tiff: block size %dx%d", blockW, blockH)
	}

	across := (h.Width + blockW - 1) / blockW
	down := (h.Height + blockH - 1) / blockH
	perImage := across * down
	first := 0
	if planar == 2 {
		first = (band - 1) * perImage
	}
	if first+perImage > len(offsets) {
		return nil, fmt.Errorf("corrupt tiff: expected %d blocks, found %d", first+perImage, len(offsets))
	}

	rowBytes := blockW * spp * sampleSize
	for by := 0; by < down; by++ {
		for bx := 0; bx < across; bx++ {
			idx := first + by*across + bx
			o, c := int(offsets[idx]), int(counts[idx])
			if o+c > len(r.buf) {
				return nil, fmt.Errorf("corrupt tiff: block %d out of range", idx)
			}
			rows := blockH
			if blockW == h.Width && by == down-1 {
				// last strip may be short
				rows = h.Height - by*blockH
			}
			chunk, err := decompress(r.buf[o:o+c], compression, rows*rowBytes)
			if err != nil {
				return nil, fmt.Errorf("block %d: %w", idx, err)
			}
			if predictor == 2 {
				undoHorizontalPredictor(chunk, r.bo, rowBytes, spp, sampleSize)
			}
			for y := 0; y < rows; y++ {
				row := by*blockH + y
				if row >= h.Height {
					break
				}
				for x := 0; x < blockW; x++ {
					col := bx*blockW + x
					if col >= h.Width {
						break
					}
					p := y*rowBytes + (x*spp+sampleIdx)*sampleSize
					out[row*h.Width+col] = r.sample(chunk[p:p+sampleSize], h.Type, signed8)
				}
			}
		}
	}
	return out, nil
}

func (r *tiffReader) sample(b []byte, dt DataType, signed8 bool) float64 {
	switch dt {
	case Uint8:
		if signed8 {
			return float64(int8(b[0]))
		}
		return float64(b[0])
	case Int16:
		return float64(int16(r.bo.Uint16(b)))
	case Uint16:
		return float64(r.bo.Uint16(b))
	case Int32:
		return float64(int32(r.bo.Uint32(b)))
	case Uint32:
		return float64(r.bo.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(r.bo.Uint32(b)))
	case Float64:
		return math.Float64frombits(r.bo.Uint64(b))
	}
	return math.NaN()
}

func decompress(raw []byte, compression uint64, want int) ([]byte, error) {
	var out []byte
	switch compression {
	case compressionNone:
		out = raw
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		out, err = io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer func() { _ = lr.Close() }()
		var err error
		out, err = io.ReadAll(lr)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupported, compression)
	}
	if len(out) < want {
		return nil, fmt.Errorf("corrupt tiff: block holds %d bytes, need %d", len(out), want)
	}
	return out, nil
}

func undoHorizontalPredictor(chunk []byte, bo binary.ByteOrder, rowBytes, spp, size int) {
	for start := 0; start+rowBytes <= len(chunk); start += rowBytes {
		row := chunk[start : start+rowBytes]
		n := rowBytes / size
		for i := spp; i < n; i++ {
			cur, prev := row[i*size:], row[(i-spp)*size:]
			switch size {
			case 1:
				cur[0] += prev[0]
			case 2:
				bo.PutUint16(cur, bo.Uint16(cur)+bo.Uint16(prev))
			case 4:
				bo.PutUint32(cur, bo.Uint32(cur)+bo.Uint32(prev))
			}
		}
	}
}
