package geotiff

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

	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

const maxIFDs = 64

var errFormat = errors.New("malformed tiff")

// Level describes one image of a dataset: the full-resolution image or an overview.
type Level struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Tiled       bool   `json:"tiled"`
	TileWidth   int    `json:"tile_width,omitempty"`
	TileHeight  int    `json:"tile_height,omitempty"`
	Compression string `json:"compression"`
	Overview    bool   `json:"overview"`
	Offset      int64  `json:"ifd_offset"`
}

type image struct {
	Level
	rowsPerStrip  int
	offsets       []uint64
	counts        []uint64
	bitsPerSample int
	sampleFormat  int
	samplesPerPx  int
	compression   int
	predictor     int
}

// Dataset is a decoded GeoTIFF held in memory. Pixel data is read lazily per level.
type Dataset struct {
	Width     int
	Height    int
	Transform domain.GeoTransform
	SRID      int
	NoData    float64
	HasNoData bool

	data   []byte
	order  binary.ByteOrder
	images []image
}

// ReadFile loads and parses the GeoTIFF at path.
func ReadFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.NotFoundf("raster file %s", path)
		}
		return nil, domain.IOError("read "+path, err)
	}
	ds, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// Decode parses the TIFF structure and georeferencing of data. Only single
// band rasters are supported.
func Decode(data []byte) (*Dataset, error) {
	if len(data) < headerSize {
		return nil, domain.IOError("decode tiff", fmt.Errorf("%w: %d bytes", errFormat, len(data)))
	}
	ds := &Dataset{data: data, NoData: math.NaN()}
	switch string(data[:2]) {
	case "II":
		ds.order = binary.LittleEndian
	case "MM":
		ds.order = binary.BigEndian
	default:
		return nil, domain.IOError("decode tiff", fmt.Errorf("%w: bad byte order mark", errFormat))
	}
	switch magic := ds.order.Uint16(data[2:4]); magic {
	case 42:
	case 43:
		return nil, domain.IOError("decode tiff", errors.New("BigTIFF is not supported"))
	default:
		return nil, domain.IOError("decode tiff", fmt.Errorf("%w: magic %d", errFormat, magic))
	}

	seen := map[uint32]bool{}
	off := ds.order.Uint32(data[4:8])
	for off != 0 {
		if seen[off] || len(seen) >= maxIFDs {
			return nil, domain.IOError("decode tiff", fmt.Errorf("%w: IFD chain loops", errFormat))
		}
		seen[off] = true
		tags, next, err := ds.readIFD(off)
		if err != nil {
			return nil, domain.IOError("decode tiff", err)
		}
		img, err := ds.parseImage(tags, off)
		if err != nil {
			return nil, domain.IOError("decode tiff", err)
		}
		if len(ds.images) == 0 {
			if err := ds.parseGeo(tags); err != nil {
				return nil, domain.IOError("decode tiff", err)
			}
		}
		ds.images = append(ds.images, img)
		off = next
	}
	if len(ds.images) == 0 {
		return nil, domain.IOError("decode tiff", fmt.Errorf("%w: no images", errFormat))
	}
	ds.Width, ds.Height = ds.images[0].Width, ds.images[0].Height
	return ds, nil
}

// Levels lists the full-resolution image followed by the overviews.
func (d *Dataset) Levels() []Level {
	out := make([]Level, len(d.images))
	for i, img := range d.images {
		out[i] = img.Level
	}
	return out
}

// OverviewCount is the number of reduced-resolution images.
func (d *Dataset) OverviewCount() int {
	n := 0
	for _, img := range d.images {
		if img.Overview {
			n++
		}
	}
	return n
}

// Bounds is the extent of the full-resolution image.
func (d *Dataset) Bounds() domain.Bounds {
	g := domain.Grid{Width: d.Width, Height: d.Height, Transform: d.Transform}
	return g.Bounds()
}

// ReadGrid decodes the full-resolution image.
func (d *Dataset) ReadGrid() (*domain.Grid, error) {
	return d.ReadLevel(0)
}

// ReadLevel decodes image i. Overview transforms are derived from the
// full-resolution transform and the size ratio.
func (d *Dataset) ReadLevel(i int) (*domain.Grid, error) {
	if i < 0 || i >= len(d.images) {
		return nil, domain.InvalidParameterf("level %d out of range [0,%d)", i, len(d.images))
	}
	img := d.images[i]
	t := d.Transform
	t.PixelWidth *= float64(d.Width) / float64(img.Width)
	t.PixelHeight *= float64(d.Height) / float64(img.Height)
	nodata := d.NoData
	if !d.HasNoData {
		nodata = domain.DefaultNoData
	}
	g := domain.NewGrid(img.Width, img.Height, t, d.SRID, nodata)

	var err error
	if img.Tiled {
		err = d.readTiles(img, g)
	} else {
		err = d.readStrips(img, g)
	}
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("decode level %d", i), err)
	}
	return g, nil
}

func (d *Dataset) readTiles(img image, g *domain.Grid) error {
	across := ceilDiv(img.Width, img.TileWidth)
	down := ceilDiv(img.Height, img.TileHeight)
	if len(img.offsets) < across*down || len(img.counts) < across*down {
		return fmt.Errorf("%w: %d tile offsets for %dx%d tiles", errFormat, len(img.offsets), across, down)
	}
	for ty := range down {
		for tx := range across {
			k := ty*across + tx
			if img.counts[k] == 0 {
				continue
			}
			vals, err := d.block(img, k, img.TileWidth, img.TileHeight)
			if err != nil {
				return err
			}
			for r := range img.TileHeight {
				row := ty*img.TileHeight + r
				if row >= img.Height {
					break
				}
				for c := range img.TileWidth {
					col := tx*img.TileWidth + c
					if col >= img.Width {
						break
					}
					g.Set(col, row, vals[r*img.TileWidth+c])
				}
			}
		}
	}
	return nil
}

func (d *Dataset) readStrips(img image, g *domain.Grid) error {
	rps := img.rowsPerStrip
	if rps <= 0 || rps > img.Height {
		rps = img.Height
	}
	strips := ceilDiv(img.Height, rps)
	if len(img.offsets) < strips || len(img.counts) < strips {
		return fmt.Errorf("%w: %d strip offsets for %d strips", errFormat, len(img.offsets), strips)
	}
	for s := range strips {
		rows := min(rps, img.Height-s*rps)
		vals, err := d.block(img, s, img.Width, rows)
		if err != nil {
			return err
		}
		copy(g.Data[s*rps*img.Width:], vals)
	}
	return nil
}

// block decodes the k-th tile or strip into w*h float32 samples.
func (d *Dataset) block(img image, k, w, h int) ([]float32, error) {
	off, n := img.offsets[k], img.counts[k]
	if off+n > uint64(len(d.data)) {
		return nil, fmt.Errorf("%w: block %d at %d+%d past end of file", errFormat, k, off, n)
	}
	raw := d.data[off : off+n]
	switch img.compression {
	case compressionNone:
		if img.predictor == predictorHorizontal {
			// The predictor is undone in place; keep the file bytes intact
			// so the level can be decoded again.
			raw = bytes.Clone(raw)
		}
	case compressionDeflate, compressionOldDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("inflate block %d: %w", k, err)
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("inflate block %d: %w", k, err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression %d", img.compression)
	}

	size := img.bitsPerSample / 8
	need := w * h * size
	if len(raw) < need {
		return nil, fmt.Errorf("%w: block %d has %d bytes, want %d", errFormat, k, len(raw), need)
	}
	if img.predictor == predictorHorizontal {
		if img.sampleFormat == sampleFormatFloat {
			return nil, errors.New("horizontal predictor on float samples is not supported")
		}
		undoPredictor(raw, w, h, size, d.order)
	}

	out := make([]float32, w*h)
	for i := range out {
		b := raw[i*size : (i+1)*size]
		out[i] = d.sample(b, img.bitsPerSample, img.sampleFormat)
	}
	return out, nil
}

func (d *Dataset) sample(b []byte, bits, format int) float32 {
	switch {
	case format == sampleFormatFloat && bits == 32:
		return math.Float32frombits(d.order.Uint32(b))
	case format == sampleFormatFloat && bits == 64:
		return float32(math.Float64frombits(d.order.Uint64(b)))
	case format == sampleFormatInt && bits == 8:
		return float32(int8(b[0]))
	case format == sampleFormatInt && bits == 16:
		return float32(int16(d.order.Uint16(b)))
	case format == sampleFormatInt && bits == 32:
		return float32(int32(d.order.Uint32(b)))
	case bits == 8:
		return float32(b[0])
	case bits == 16:
		return float32(d.order.Uint16(b))
	default:
		return float32(d.order.Uint32(b))
	}
}

// undoPredictor reverses horizontal differencing in place.
func undoPredictor(raw []byte, w, h, size int, order binary.ByteOrder) {
	for r := range h {
		row := raw[r*w*size : (r+1)*w*size]
		for c := 1; c < w; c++ {
			prev, cur := row[(c-1)*size:c*size], row[c*size:(c+1)*size]
			switch size {
			case 1:
				cur[0] += prev[0]
			case 2:
				order.PutUint16(cur, order.Uint16(cur)+order.Uint16(prev))
			case 4:
				order.PutUint32(cur, order.Uint32(cur)+order.Uint32(prev))
			}
		}
	}
}

type field struct {
	typ   uint16
	count uint32
	raw   []byte
}

func (d *Dataset) readIFD(off uint32) (map[uint16]field, uint32, error) {
	data := d.data
	if uint64(off)+2 > uint64(len(data)) {
		return nil, 0, fmt.Errorf("%w: IFD offset %d past end of file", errFormat, off)
	}
	n := int(d.order.Uint16(data[off:]))
	end := uint64(off) + 2 + uint64(n)*12 + 4
	if end > uint64(len(data)) {
		return nil, 0, fmt.Errorf("%w: IFD at %d truncated", errFormat, off)
	}
	tags := make(map[uint16]field, n)
	for i := range n {
		e := data[int(off)+2+i*12:]
		tag := d.order.Uint16(e[0:2])
		typ := d.order.Uint16(e[2:4])
		count := d.order.Uint32(e[4:8])
		size, ok := typeSize[typ]
		if !ok {
			continue
		}
		total := uint64(size) * uint64(count)
		var raw []byte
		if total <= 4 {
			raw = e[8 : 8+total]
		} else {
			at := uint64(d.order.Uint32(e[8:12]))
			if at+total > uint64(len(data)) {
				return nil, 0, fmt.Errorf("%w: tag %d value past end of file", errFormat, tag)
			}
			raw = data[at : at+total]
		}
		tags[tag] = field{typ: typ, count: count, raw: raw}
	}
	next := d.order.Uint32(data[end-4:])
	return tags, next, nil
}

func (d *Dataset) uints(f field) []uint64 {
	out := make([]uint64, 0, f.count)
	for i := range int(f.count) {
		switch f.typ {
		case typeByte, typeUndefined:
			out = append(out, uint64(f.raw[i]))
		case typeShort:
			out = append(out, uint64(d.order.Uint16(f.raw[i*2:])))
		case typeLong:
			out = append(out, uint64(d.order.Uint32(f.raw[i*4:])))
		}
	}
	return out
}

func (d *Dataset) floats(f field) []float64 {
	out := make([]float64, 0, f.count)
	for i := range int(f.count) {
		switch f.typ {
		case typeDouble:
			out = append(out, math.Float64frombits(d.order.Uint64(f.raw[i*8:])))
		case typeFloat:
			out = append(out, float64(math.Float32frombits(d.order.Uint32(f.raw[i*4:]))))
		}
	}
	return out
}

func (d *Dataset) uintTag(tags map[uint16]field, tag uint16, def int) int {
	f, ok := tags[tag]
	if !ok {
		return def
	}
	v := d.uints(f)
	if len(v) == 0 {
		return def
	}
	return int(v[0])
}

func (d *Dataset) parseImage(tags map[uint16]field, off uint32) (image, error) {
	img := image{
		Level: Level{
			Width:    d.uintTag(tags, tagImageWidth, 0),
			Height:   d.uintTag(tags, tagImageLength, 0),
			Overview: d.uintTag(tags, tagNewSubfileType, 0)&1 == 1,
			Offset:   int64(off),
		},
		bitsPerSample: d.uintTag(tags, tagBitsPerSample, 1),
		sampleFormat:  d.uintTag(tags, tagSampleFormat, sampleFormatUint),
		samplesPerPx:  d.uintTag(tags, tagSamplesPerPixel, 1),
		compression:   d.uintTag(tags, tagCompression, compressionNone),
		predictor:     d.uintTag(tags, tagPredictor, predictorNone),
		rowsPerStrip:  d.uintTag(tags, tagRowsPerStrip, 0),
	}
	img.Compression = compressionName(img.compression)
	if img.Width <= 0 || img.Height <= 0 {
		return img, fmt.Errorf("%w: image size %dx%d", errFormat, img.Width, img.Height)
	}
	if img.samplesPerPx != 1 {
		return img, fmt.Errorf("only single band rasters are supported, got %d samples per pixel", img.samplesPerPx)
	}
	switch img.bitsPerSample {
	case 8, 16, 32:
	case 64:
		if img.sampleFormat != sampleFormatFloat {
			return img, fmt.Errorf("64-bit integer samples are not supported")
		}
	default:
		return img, fmt.Errorf("unsupported bits per sample %d", img.bitsPerSample)
	}

	if tw, ok := tags[tagTileWidth]; ok {
		img.Tiled = true
		img.TileWidth = int(firstOr(d.uints(tw), 0))
		img.TileHeight = d.uintTag(tags, tagTileLength, 0)
		img.offsets = d.uints(tags[tagTileOffsets])
		img.counts = d.uints(tags[tagTileByteCounts])
		if img.TileWidth <= 0 || img.TileHeight <= 0 {
			return img, fmt.Errorf("%w: tile size %dx%d", errFormat, img.TileWidth, img.TileHeight)
		}
	} else {
		img.offsets = d.uints(tags[tagStripOffsets])
		img.counts = d.uints(tags[tagStripByteCounts])
	}
	if len(img.offsets) == 0 {
		return img, fmt.Errorf("%w: image has no data offsets", errFormat)
	}
	return img, nil
}

func (d *Dataset) parseGeo(tags map[uint16]field) error {
	d.Transform = domain.GeoTransform{OriginX: 0, OriginY: float64(d.uintTag(tags, tagImageLength, 0)), PixelWidth: 1, PixelHeight: -1}
	if f, ok := tags[tagModelPixelScale]; ok {
		scale := d.floats(f)
		tie := d.floats(tags[tagModelTiepoint])
		if len(scale) >= 2 && len(tie) >= 6 && scale[0] > 0 && scale[1] > 0 {
			d.Transform = domain.GeoTransform{
				OriginX:     tie[3] - tie[0]*scale[0],
				OriginY:     tie[4] + tie[1]*scale[1],
				PixelWidth:  scale[0],
				PixelHeight: -scale[1],
			}
		}
	}
	if f, ok := tags[tagGeoKeyDirectory]; ok {
		d.SRID = geoKeySRID(d.uints(f))
	}
	if f, ok := tags[tagGDALNoData]; ok {
		s := strings.TrimSpace(strings.TrimRight(string(f.raw), "\x00"))
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse nodata %q: %w", s, err)
		}
		d.NoData, d.HasNoData = v, true
	}
	return nil
}

// geoKeySRID prefers the projected CRS key over the geographic one.
func geoKeySRID(dir []uint64) int {
	if len(dir) < 4 {
		return 0
	}
	var projected, geographic int
	n := int(dir[3])
	for i := range n {
		k := 4 + i*4
		if k+3 >= len(dir) {
			break
		}
		if dir[k+1] != 0 {
			continue
		}
		v := int(dir[k+3])
		if v == userDefined {
			continue
		}
		switch dir[k] {
		case keyProjectedCSType:
			projected = v
		case keyGeographicType:
			geographic = v
		}
	}
	if projected != 0 {
		return projected
	}
	return geographic
}

func firstOr(v []uint64, def uint64) uint64 {
	if len(v) == 0 {
		return def
	}
	return v[0]
}
