package raster

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGrid(dt DataType, w, h int) *Grid {
	g := New(w, h, dt)
	g.GeoTransform = [6]float64{440720, 30, 0, 3751320, 0, -30}
	g.EPSG = 26711
	for i := range g.Data {
		g.Data[i] = float64(i % 200)
	}
	return g
}

func TestWriteRead_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		dt     DataType
		nodata float64
		value  float64
	}{
		{"byte", Uint8, 255, 17},
		{"int16", Int16, -9999, -42},
		{"int32", Int32, -1, 123456},
		{"uint32", Uint32, 0, 4000000000},
		{"float32", Float32, -1, 3.5},
		{"float64", Float64, -9999, math.Pi},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := sampleGrid(tt.dt, 7, 5)
			g.NoData = tt.nodata
			g.HasNoData = true
			g.Data[3] = tt.value
			g.Data[4] = tt.nodata

			path := filepath.Join(t.TempDir(), "out.tif")
			require.NoError(t, Write(path, g))

			got, err := Read(Ref(path))
			require.NoError(t, err)
			assert.Equal(t, g.Width, got.Width)
			assert.Equal(t, g.Height, got.Height)
			assert.Equal(t, tt.dt, got.Type)
			assert.Equal(t, g.GeoTransform, got.GeoTransform)
			assert.Equal(t, 26711, got.EPSG)
			assert.True(t, got.HasNoData)
			assert.Equal(t, tt.nodata, got.NoData)
			assert.Equal(t, g.Data, got.Data)
			assert.True(t, got.IsNoData(got.Data[4]))
		})
	}
}

func TestWrite_ManyStrips(t *testing.T) {
	// 300 columns of float64 force several strips
	g := sampleGrid(Float64, 300, 80)
	path := filepath.Join(t.TempDir(), "tall.tif")
	require.NoError(t, Write(path, g))

	got, err := Read(Ref(path))
	require.NoError(t, err)
	assert.Equal(t, g.Data, got.Data)
	assert.False(t, got.HasNoData)
}

func TestWrite_GeographicEPSG(t *testing.T) {
	g := sampleGrid(Float32, 3, 3)
	g.EPSG = 4326
	g.GeoTransform = [6]float64{-120, 0.25, 0, 45, 0, -0.25}
	path := filepath.Join(t.TempDir(), "geo.tif")
	require.NoError(t, Write(path, g))

	h, err := ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, 4326, h.EPSG)
	assert.Equal(t, 1, h.Bands)
	assert.Equal(t, g.GeoTransform, h.GeoTransform)
}

func TestWrite_RotatedTransform(t *testing.T) {
	g := sampleGrid(Float32, 4, 4)
	g.GeoTransform = [6]float64{100, 2, 0.5, 200, 0.5, -2}
	path := filepath.Join(t.TempDir(), "rot.tif")
	require.NoError(t, Write(path, g))

	got, err := Read(Ref(path))
	require.NoError(t, err)
	assert.Equal(t, g.GeoTransform, got.GeoTransform)
}

func TestWrite_CreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "out.tif")
	require.NoError(t, Write(path, sampleGrid(Uint8, 2, 2)))
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestEncode_InvalidShape(t *testing.T) {
	g := New(3, 3, Float32)
	g.Data = g.Data[:4]
	_, err := Encode(g)
	require.Error(t, err)
}

func TestRead_BandOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.tif")
	require.NoError(t, Write(path, sampleGrid(Uint8, 2, 2)))

	_, err := Read(BandRef{Path: path, Band: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "band 2 out of range")

	_, err = Read(BandRef{Path: path, Band: 0})
	require.Error(t, err)
}

func TestRead_NotATIFF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tif")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	_, err := Read(Ref(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a tiff file")
}

func TestDecode_BigTIFF(t *testing.T) {
	buf := []byte{'I', 'I', 43, 0, 8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err := Decode(buf, 1)
	require.ErrorIs(t, err, ErrUnsupported)
}

// buildTIFF assembles an uncompressed little-endian TIFF from raw blocks.
func buildTIFF(t *testing.T, tags []outTag, blocks [][]byte, offsetTag, countTag uint16) []byte {
	t.Helper()
	var out bytes.Buffer
	out.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0})
	offsets := make([]uint32, len(blocks))
	counts := make([]uint32, len(blocks))
	for i, b := range blocks {
		offsets[i] = uint32(out.Len())
		counts[i] = uint32(len(b))
		out.Write(b)
	}
	tags = append(tags, longsTag(offsetTag, offsets), longsTag(countTag, counts))
	sort.Slice(tags, func(i, j int) bool { return tags[i].tag < tags[j].tag })

	vals := make([]uint32, len(tags))
	for i, tg := range tags {
		if len(tg.data) > 4 {
			vals[i] = uint32(out.Len())
			out.Write(tg.data)
		}
	}
	ifd := uint32(out.Len())
	_ = binary.Write(&out, binary.LittleEndian, uint16(len(tags)))
	for i, tg := range tags {
		var e [12]byte
		binary.LittleEndian.PutUint16(e[0:], tg.tag)
		binary.LittleEndian.PutUint16(e[2:], tg.typ)
		binary.LittleEndian.PutUint32(e[4:], tg.count)
		if len(tg.data) > 4 {
			binary.LittleEndian.PutUint32(e[8:], vals[i])
		} else {
			copy(e[8:], tg.data)
		}
		out.Write(e[:])
	}
	out.Write([]byte{0, 0, 0, 0})
	b := out.Bytes()
	binary.LittleEndian.PutUint32(b[4:], ifd)
	return b
}

func TestDecode_PlanarBands(t *testing.T) {
	tags := []outTag{
		shortTag(tagImageWidth, 3),
		shortTag(tagImageLength, 2),
		shortTag(tagBitsPerSample, 8),
		shortTag(tagCompression, compressionNone),
		shortTag(tagSamplesPerPixel, 2),
		shortTag(tagRowsPerStrip, 2),
		shortTag(tagPlanarConfig, 2),
	}
	band1 := []byte{1, 2, 3, 4, 5, 6}
	band2 := []byte{10, 20, 30, 40, 50, 60}
	buf := buildTIFF(t, tags, [][]byte{band1, band2}, tagStripOffsets, tagStripByteCounts)

	g, err := Decode(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30, 40, 50, 60}, g.Data)

	g, err = Decode(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, g.Data)
}

func TestDecode_ChunkyTiles(t *testing.T) {
	// 3x3 image, two bands interleaved, 2x2 tiles padded at the edges
	tags := []outTag{
		shortTag(tagImageWidth, 3),
		shortTag(tagImageLength, 3),
		shortTag(tagBitsPerSample, 8),
		shortTag(tagCompression, compressionNone),
		shortTag(tagSamplesPerPixel, 2),
		shortTag(tagTileWidth, 2),
		shortTag(tagTileLength, 2),
	}
	img := [][]byte{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	tile := func(c0, r0 int) []byte {
		b := make([]byte, 2*2*2)
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				if r0+y < 3 && c0+x < 3 {
					v := img[r0+y][c0+x]
					b[(y*2+x)*2] = v
					b[(y*2+x)*2+1] = v * 10
				}
			}
		}
		return b
	}
	blocks := [][]byte{tile(0, 0), tile(2, 0), tile(0, 2), tile(2, 2)}
	buf := buildTIFF(t, tags, blocks, tagTileOffsets, tagTileByteCounts)

	g, err := Decode(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, g.Data)

	g, err = Decode(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30, 40, 50, 60, 70, 80, 90}, g.Data)
}

func TestDecode_HorizontalPredictor(t *testing.T) {
	tags := []outTag{
		shortTag(tagImageWidth, 4),
		shortTag(tagImageLength, 1),
		shortTag(tagBitsPerSample, 16),
		shortTag(tagCompression, compressionNone),
		shortTag(tagSampleFormat, 2),
		shortTag(tagPredictor, 2),
	}
	// values 100, 101, 99, 99 stored as differences
	raw := make([]byte, 8)
	for i, d := range []int16{100, 1, -2, 0} {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(d))
	}
	buf := buildTIFF(t, tags, [][]byte{raw}, tagStripOffsets, tagStripByteCounts)

	g, err := Decode(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, Int16, g.Type)
	assert.Equal(t, []float64{100, 101, 99, 99}, g.Data)
}
