package geotiff_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/geotiff"
)

func rampGrid(w, h int) *domain.Grid {
	g := domain.NewGrid(w, h, domain.GeoTransform{
		OriginX: 500000, OriginY: 5800000, PixelWidth: 10, PixelHeight: -10,
	}, 25832, domain.DefaultNoData)
	for row := range h {
		for col := range w {
			g.Set(col, row, float32(row*w+col))
		}
	}
	g.Set(0, 0, float32(domain.DefaultNoData))
	return g
}

func encode(t *testing.T, g *domain.Grid, opts geotiff.EncodeOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, geotiff.Encode(&buf, g, opts))
	return buf.Bytes()
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, c := range []geotiff.Compression{geotiff.CompressionDeflate, geotiff.CompressionNone} {
		t.Run(string(c), func(t *testing.T) {
			g := rampGrid(70, 45)
			data := encode(t, g, geotiff.EncodeOptions{TileSize: 32, OverviewLevels: 3, Compression: c})

			ds, err := geotiff.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, 70, ds.Width)
			assert.Equal(t, 45, ds.Height)
			assert.Equal(t, 25832, ds.SRID)
			assert.True(t, ds.HasNoData)
			assert.InDelta(t, domain.DefaultNoData, ds.NoData, 0)
			assert.Equal(t, g.Transform, ds.Transform)

			out, err := ds.ReadGrid()
			require.NoError(t, err)
			assert.Equal(t, g.Data, out.Data)
			assert.True(t, out.IsNoData(out.At(0, 0)))
		})
	}
}

func TestEncodeWritesOverviewPyramid(t *testing.T) {
	g := rampGrid(300, 200)
	ds, err := geotiff.Decode(encode(t, g, geotiff.DefaultEncodeOptions()))
	require.NoError(t, err)

	levels := ds.Levels()
	require.Len(t, levels, 7)
	assert.Equal(t, 6, ds.OverviewCount())
	assert.False(t, levels[0].Overview)
	for i, lvl := range levels {
		assert.True(t, lvl.Tiled)
		assert.Equal(t, 512, lvl.TileWidth)
		assert.Equal(t, "deflate", lvl.Compression)
		if i > 0 {
			f := 1 << i
			assert.True(t, lvl.Overview)
			assert.Equal(t, (300+f-1)/f, lvl.Width, "level %d", i)
			assert.Equal(t, (200+f-1)/f, lvl.Height, "level %d", i)
		}
	}

	ov, err := ds.ReadLevel(1)
	require.NoError(t, err)
	assert.InDelta(t, 20, ov.Transform.PixelWidth, 1e-9)
	assert.InDelta(t, -20, ov.Transform.PixelHeight, 1e-9)
	assert.Equal(t, g.At(3, 1), ov.At(1, 0))
}

func TestOverviewsStopAtSinglePixel(t *testing.T) {
	g := rampGrid(3, 2)
	ovs := geotiff.Overviews(g, 6)
	require.Len(t, ovs, 2)
	assert.Equal(t, 1, ovs[1].Width)
	assert.Equal(t, 1, ovs[1].Height)
}

func TestEncodeIsDeterministic(t *testing.T) {
	g := rampGrid(130, 90)
	opts := geotiff.EncodeOptions{TileSize: 64, OverviewLevels: 6, Compression: geotiff.CompressionDeflate}
	assert.Equal(t, encode(t, g, opts), encode(t, g, opts))
}

func TestIFDsPrecedeTileData(t *testing.T) {
	data := encode(t, rampGrid(100, 100), geotiff.EncodeOptions{TileSize: 32, OverviewLevels: 2, Compression: geotiff.CompressionDeflate})
	ds, err := geotiff.Decode(data)
	require.NoError(t, err)

	levels := ds.Levels()
	require.Len(t, levels, 3)
	assert.Equal(t, int64(8), levels[0].Offset)
	for i := 1; i < len(levels); i++ {
		assert.Greater(t, levels[i].Offset, levels[i-1].Offset)
	}
	// IFDs are packed at the head of the file, ahead of any tile data.
	assert.Less(t, levels[2].Offset, int64(1024))
}

func TestEncodeRejectsBadOptions(t *testing.T) {
	g := rampGrid(4, 4)
	tests := []struct {
		name string
		opts geotiff.EncodeOptions
	}{
		{"tile not multiple of 16", geotiff.EncodeOptions{TileSize: 100, Compression: geotiff.CompressionDeflate}},
		{"zero tile", geotiff.EncodeOptions{Compression: geotiff.CompressionDeflate}},
		{"negative levels", geotiff.EncodeOptions{TileSize: 256, OverviewLevels: -1, Compression: geotiff.CompressionDeflate}},
		{"unknown codec", geotiff.EncodeOptions{TileSize: 256, Compression: "lzw"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := geotiff.Encode(&bytes.Buffer{}, g, tt.opts)
			require.ErrorIs(t, err, domain.ErrInvalidParameter)
		})
	}
}

func TestEncodeGeographicKeys(t *testing.T) {
	g := domain.NewGrid(4, 4, domain.GeoTransform{OriginX: 10, OriginY: 51, PixelWidth: 0.25, PixelHeight: -0.25}, 4326, domain.DefaultNoData)
	ds, err := geotiff.Decode(encode(t, g, geotiff.DefaultEncodeOptions()))
	require.NoError(t, err)
	assert.Equal(t, 4326, ds.SRID)
	assert.Equal(t, domain.Bounds{MinX: 10, MinY: 50, MaxX: 11, MaxY: 51}, ds.Bounds())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := geotiff.Decode([]byte("not a tiff at all"))
	require.ErrorIs(t, err, domain.ErrIO)

	_, err = geotiff.Decode([]byte{'I', 'I', 43, 0, 8, 0, 0, 0})
	require.ErrorIs(t, err, domain.ErrIO)
}

func TestReadFileMissing(t *testing.T) {
	_, err := geotiff.ReadFile(t.TempDir() + "/missing.tif")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// stripedUint16 builds a minimal big-endian striped TIFF with a horizontal predictor.
func stripedUint16(t *testing.T) []byte {
	t.Helper()
	be := binary.BigEndian
	const w, h = 3, 2
	pixels := []uint16{10, 12, 15, 100, 90, 95}
	var diffed []byte
	for r := range h {
		prev := uint16(0)
		for c := range w {
			v := pixels[r*w+c]
			diffed = be.AppendUint16(diffed, v-prev)
			prev = v
		}
	}

	type entry struct {
		tag, typ uint16
		val      uint32
	}
	entries := []entry{
		{256, 3, w << 16},
		{257, 3, h << 16},
		{258, 3, 16 << 16},
		{259, 3, 1 << 16},
		{262, 3, 1 << 16},
		{273, 4, 0}, // patched below
		{277, 3, 1 << 16},
		{278, 3, h << 16},
		{279, 4, uint32(len(diffed))},
		{317, 3, 2 << 16},
	}
	ifdLen := 2 + 12*len(entries) + 4
	dataAt := uint32(8 + ifdLen)
	entries[5].val = dataAt

	out := []byte{'M', 'M'}
	out = be.AppendUint16(out, 42)
	out = be.AppendUint32(out, 8)
	out = be.AppendUint16(out, uint16(len(entries)))
	for _, e := range entries {
		out = be.AppendUint16(out, e.tag)
		out = be.AppendUint16(out, e.typ)
		out = be.AppendUint32(out, 1)
		out = be.AppendUint32(out, e.val)
	}
	out = be.AppendUint32(out, 0)
	return append(out, diffed...)
}

func TestDecodeStripedBigEndianWithPredictor(t *testing.T) {
	ds, err := geotiff.Decode(stripedUint16(t))
	require.NoError(t, err)
	assert.False(t, ds.HasNoData)
	assert.Equal(t, 0, ds.SRID)

	g, err := ds.ReadGrid()
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 12, 15, 100, 90, 95}, g.Data)
	assert.False(t, math.IsNaN(g.NoData))

	again, err := ds.ReadLevel(0)
	require.NoError(t, err)
	assert.Equal(t, g.Data, again.Data, "second decode of the same level")
}
