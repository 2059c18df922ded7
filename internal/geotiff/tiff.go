// Package geotiff reads and writes single-band GeoTIFFs, including tiled
// Cloud-Optimized GeoTIFFs with internal overviews.
package geotiff

import (
	"fmt"
	"strings"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

// TIFF tags used by the codec.
const (
	tagNewSubfileType  = 254
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGDALNoData      = 42113
)

// Field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
)

var typeSize = map[uint16]int{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeSByte: 1, typeUndefined: 1, typeSShort: 2, typeSLong: 4, typeSRational: 8,
	typeFloat: 4, typeDouble: 8,
}

// Compression codes.
const (
	compressionNone       = 1
	compressionDeflate    = 8
	compressionOldDeflate = 32946
)

const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3

	predictorNone       = 1
	predictorHorizontal = 2
)

// GeoKeys.
const (
	keyModelType        = 1024
	keyRasterType       = 1025
	keyGeographicType   = 2048
	keyProjectedCSType  = 3072
	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
	userDefined         = 32767
)

// Compression names the tile codec of written files.
type Compression string

const (
	CompressionDeflate Compression = "deflate"
	CompressionNone    Compression = "none"
)

// ParseCompression accepts "deflate" and "none".
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(s))) {
	case CompressionDeflate:
		return CompressionDeflate, nil
	case CompressionNone:
		return CompressionNone, nil
	default:
		return "", domain.InvalidParameterf("unsupported compression %q", s)
	}
}

func (c Compression) code() uint16 {
	if c == CompressionNone {
		return compressionNone
	}
	return compressionDeflate
}

func compressionName(code int) string {
	switch code {
	case compressionNone:
		return string(CompressionNone)
	case compressionDeflate, compressionOldDeflate:
		return string(CompressionDeflate)
	default:
		return fmt.Sprintf("code %d", code)
	}
}

// isGeographicCode covers the EPSG range of 2D geographic CRSs.
func isGeographicCode(srid int) bool {
	return srid >= 4000 && srid < 5000
}
