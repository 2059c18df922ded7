package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"runtime"
	"strconv"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

var le = binary.LittleEndian

const (
	headerSize      = 8
	maxOverviewLvls = 12
)

// EncodeOptions controls the layout of a written Cloud-Optimized GeoTIFF.
type EncodeOptions struct {
	TileSize       int         // internal tile edge in pixels, a multiple of 16
	OverviewLevels int         // number of power-of-two overviews to build
	Compression    Compression // tile codec
}

// DefaultEncodeOptions returns 512px deflate tiles with six overview levels.
func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{TileSize: 512, OverviewLevels: 6, Compression: CompressionDeflate}
}

func (o EncodeOptions) validate() error {
	if o.TileSize <= 0 || o.TileSize%16 != 0 || o.TileSize > math.MaxUint16 {
		return domain.InvalidParameterf("tile size must be a positive multiple of 16, got %d", o.TileSize)
	}
	if o.OverviewLevels < 0 || o.OverviewLevels > maxOverviewLvls {
		return domain.InvalidParameterf("overview levels must be between 0 and %d, got %d", maxOverviewLvls, o.OverviewLevels)
	}
	if _, err := ParseCompression(string(o.Compression)); err != nil {
		return err
	}
	return nil
}

// Overviews returns the reduced grids for factors 2, 4, 8 and so on. Building
// stops early once a level is a single pixel.
func Overviews(g *domain.Grid, levels int) []*domain.Grid {
	var out []*domain.Grid
	w, h := g.Width, g.Height
	for k := 1; k <= levels; k++ {
		if w == 1 && h == 1 {
			break
		}
		factor := 1 << k
		w = ceilDiv(g.Width, factor)
		h = ceilDiv(g.Height, factor)
		out = append(out, downsample(g, w, h))
	}
	return out
}

// downsample picks the source cell under each destination cell center.
func downsample(g *domain.Grid, w, h int) *domain.Grid {
	t := g.Transform
	sx := float64(g.Width) / float64(w)
	sy := float64(g.Height) / float64(h)
	ov := domain.NewGrid(w, h, domain.GeoTransform{
		OriginX:     t.OriginX,
		OriginY:     t.OriginY,
		PixelWidth:  t.PixelWidth * sx,
		PixelHeight: t.PixelHeight * sy,
	}, g.SRID, g.NoData)
	for row := range h {
		srcRow := min(int((float64(row)+0.5)*sy), g.Height-1)
		for col := range w {
			srcCol := min(int((float64(col)+0.5)*sx), g.Width-1)
			ov.Set(col, row, g.At(srcCol, srcRow))
		}
	}
	return ov
}

type encodedLevel struct {
	grid   *domain.Grid
	across int
	down   int
	tiles  [][]byte
}

// Encode writes g as a tiled GeoTIFF with internal overviews. All IFDs precede
// the tile data, and the smallest overview's tiles come first. The output is
// a pure function of the grid and options.
func Encode(w io.Writer, g *domain.Grid, opts EncodeOptions) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if err := opts.validate(); err != nil {
		return err
	}

	grids := append([]*domain.Grid{g}, Overviews(g, opts.OverviewLevels)...)
	levels := make([]*encodedLevel, len(grids))
	for i, lg := range grids {
		lvl, err := encodeLevel(lg, opts)
		if err != nil {
			return err
		}
		levels[i] = lvl
	}

	// IFD sizes do not depend on offsets, so the data start is known up front.
	entries := make([][]ifdEntry, len(levels))
	dataStart := headerSize
	for i, lvl := range levels {
		entries[i] = levelEntries(lvl, i, g, opts, nil, nil)
		dataStart += ifdSize(entries[i])
	}
	if dataStart%2 != 0 {
		dataStart++
	}

	offsets := make([][]uint32, len(levels))
	counts := make([][]uint32, len(levels))
	pos := dataStart
	for i := len(levels) - 1; i >= 0; i-- {
		lvl := levels[i]
		offsets[i] = make([]uint32, len(lvl.tiles))
		counts[i] = make([]uint32, len(lvl.tiles))
		for j, t := range lvl.tiles {
			offsets[i][j] = uint32(pos)
			counts[i][j] = uint32(len(t))
			pos += len(t)
		}
	}
	if pos > math.MaxUint32 {
		return domain.InvalidParameterf("raster of %dx%d exceeds the classic TIFF size limit", g.Width, g.Height)
	}

	buf := bytes.NewBuffer(make([]byte, 0, dataStart))
	buf.Write([]byte{'I', 'I'})
	buf.Write(le.AppendUint16(nil, 42))
	buf.Write(le.AppendUint32(nil, headerSize))

	at := headerSize
	for i, lvl := range levels {
		e := levelEntries(lvl, i, g, opts, offsets[i], counts[i])
		size := ifdSize(e)
		next := 0
		if i < len(levels)-1 {
			next = at + size
		}
		writeIFD(buf, e, uint32(at), uint32(next))
		at += size
	}
	for buf.Len() < dataStart {
		buf.WriteByte(0)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return domain.IOError("write tiff header", err)
	}
	for i := len(levels) - 1; i >= 0; i-- {
		for _, t := range levels[i].tiles {
			if _, err := w.Write(t); err != nil {
				return domain.IOError("write tiff tile", err)
			}
		}
	}
	return nil
}

func encodeLevel(g *domain.Grid, opts EncodeOptions) (*encodedLevel, error) {
	ts := opts.TileSize
	lvl := &encodedLevel{
		grid:   g,
		across: ceilDiv(g.Width, ts),
		down:   ceilDiv(g.Height, ts),
	}
	lvl.tiles = make([][]byte, lvl.across*lvl.down)

	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for ty := range lvl.down {
		for tx := range lvl.across {
			eg.Go(func() error {
				raw := tileBytes(g, tx, ty, ts)
				data, err := compress(raw, opts.Compression)
				if err != nil {
					return domain.IOError(fmt.Sprintf("compress tile %d,%d", tx, ty), err)
				}
				lvl.tiles[ty*lvl.across+tx] = data
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return lvl, nil
}

// tileBytes lays out one tile as little-endian float32. Cells past the raster
// edge are padded with nodata.
func tileBytes(g *domain.Grid, tx, ty, ts int) []byte {
	raw := make([]byte, 0, ts*ts*4)
	pad := math.Float32bits(float32(g.NoData))
	for r := range ts {
		row := ty*ts + r
		for c := range ts {
			col := tx*ts + c
			bits := pad
			if row < g.Height && col < g.Width {
				bits = math.Float32bits(g.At(col, row))
			}
			raw = le.AppendUint32(raw, bits)
		}
	}
	return raw
}

func compress(raw []byte, c Compression) ([]byte, error) {
	if c == CompressionNone {
		return raw, nil
	}
	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func (e ifdEntry) external() bool { return len(e.data) > 4 }

func shortEntry(tag uint16, vals ...uint16) ifdEntry {
	var b []byte
	for _, v := range vals {
		b = le.AppendUint16(b, v)
	}
	return ifdEntry{tag: tag, typ: typeShort, count: uint32(len(vals)), data: b}
}

func longEntry(tag uint16, vals ...uint32) ifdEntry {
	var b []byte
	for _, v := range vals {
		b = le.AppendUint32(b, v)
	}
	return ifdEntry{tag: tag, typ: typeLong, count: uint32(len(vals)), data: b}
}

func doubleEntry(tag uint16, vals ...float64) ifdEntry {
	var b []byte
	for _, v := range vals {
		b = le.AppendUint64(b, math.Float64bits(v))
	}
	return ifdEntry{tag: tag, typ: typeDouble, count: uint32(len(vals)), data: b}
}

func asciiEntry(tag uint16, s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(b)), data: b}
}

// levelEntries builds the tag list of one IFD in ascending tag order. Offsets
// and counts may be nil while sizing; only their length matters then.
func levelEntries(lvl *encodedLevel, index int, full *domain.Grid, opts EncodeOptions, offsets, counts []uint32) []ifdEntry {
	n := len(lvl.tiles)
	if offsets == nil {
		offsets = make([]uint32, n)
		counts = make([]uint32, n)
	}
	subfile := uint32(0)
	if index > 0 {
		subfile = 1
	}
	e := []ifdEntry{
		longEntry(tagNewSubfileType, subfile),
		longEntry(tagImageWidth, uint32(lvl.grid.Width)),
		longEntry(tagImageLength, uint32(lvl.grid.Height)),
		shortEntry(tagBitsPerSample, 32),
		shortEntry(tagCompression, opts.Compression.code()),
		shortEntry(tagPhotometric, 1),
		shortEntry(tagSamplesPerPixel, 1),
		shortEntry(tagPlanarConfig, 1),
		shortEntry(tagTileWidth, uint16(opts.TileSize)),
		shortEntry(tagTileLength, uint16(opts.TileSize)),
		longEntry(tagTileOffsets, offsets...),
		longEntry(tagTileByteCounts, counts...),
		shortEntry(tagSampleFormat, sampleFormatFloat),
	}
	if index == 0 {
		t := full.Transform
		e = append(e,
			doubleEntry(tagModelPixelScale, t.PixelWidth, -t.PixelHeight, 0),
			doubleEntry(tagModelTiepoint, 0, 0, 0, t.OriginX, t.OriginY, 0),
			shortEntry(tagGeoKeyDirectory, geoKeys(full.SRID)...),
		)
	}
	return append(e, asciiEntry(tagGDALNoData, formatNoData(full.NoData)))
}

func geoKeys(srid int) []uint16 {
	type key struct{ id, value uint16 }
	keys := []key{}
	switch {
	case srid <= 0 || srid > math.MaxUint16:
		keys = append(keys, key{keyRasterType, rasterPixelIsArea})
	case isGeographicCode(srid):
		keys = append(keys,
			key{keyModelType, modelTypeGeographic},
			key{keyRasterType, rasterPixelIsArea},
			key{keyGeographicType, uint16(srid)})
	default:
		keys = append(keys,
			key{keyModelType, modelTypeProjected},
			key{keyRasterType, rasterPixelIsArea},
			key{keyProjectedCSType, uint16(srid)})
	}
	out := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		out = append(out, k.id, 0, 1, k.value)
	}
	return out
}

func formatNoData(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func ifdSize(entries []ifdEntry) int {
	n := 2 + 12*len(entries) + 4
	for _, e := range entries {
		if e.external() {
			n += len(e.data) + len(e.data)%2
		}
	}
	return n
}

// writeIFD serializes entries for an IFD that starts at file offset at.
// Values longer than four bytes follow the entry table, word aligned.
func writeIFD(buf *bytes.Buffer, entries []ifdEntry, at, next uint32) {
	ext := at + uint32(2+12*len(entries)+4)
	buf.Write(le.AppendUint16(nil, uint16(len(entries))))
	for _, e := range entries {
		b := le.AppendUint16(nil, e.tag)
		b = le.AppendUint16(b, e.typ)
		b = le.AppendUint32(b, e.count)
		if e.external() {
			b = le.AppendUint32(b, ext)
			ext += uint32(len(e.data) + len(e.data)%2)
		} else {
			v := make([]byte, 4)
			copy(v, e.data)
			b = append(b, v...)
		}
		buf.Write(b)
	}
	buf.Write(le.AppendUint32(nil, next))
	for _, e := range entries {
		if !e.external() {
			continue
		}
		buf.Write(e.data)
		if len(e.data)%2 != 0 {
			buf.WriteByte(0)
		}
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
