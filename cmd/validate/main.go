// Command validate checks exported Cloud-Optimized GeoTIFFs: internal tiling,
// compression, the overview pyramid, georeferencing, and pixel readability.
//
// Usage:
//
//	go run ./cmd/validate -dir cogs
//	go run ./cmd/validate -overviews 6 -compression deflate cogs/weather/TmrtRaster/7_20240703.tif
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/couchcryptid/urban-raster-service/internal/geotiff"
	"github.com/couchcryptid/urban-raster-service/internal/raster"
)

// expectations are the layout properties every file must have.
type expectations struct {
	overviews   int
	compression string
	tileSize    int
}

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	dir := flag.String("dir", "", "validate every .tif below this directory")
	overviews := flag.Int("overviews", 6, "expected overview levels (fewer when the pyramid reaches 1x1)")
	compression := flag.String("compression", "deflate", "expected tile compression")
	tileSize := flag.Int("tile-size", 0, "expected tile edge in pixels (0 accepts any multiple of 16)")
	flag.Parse()

	paths := flag.Args()
	if *dir != "" {
		found, err := findTIFFs(*dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: scan %s: %v\n", *dir, err)
			os.Exit(1)
		}
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	exp := expectations{overviews: *overviews, compression: *compression, tileSize: *tileSize}
	os.Exit(run(paths, exp))
}

func run(paths []string, exp expectations) int {
	fmt.Println("=== COG Validation ===")
	fmt.Println()

	failed := 0
	for _, path := range paths {
		phases := validateFile(path, exp)
		ok := true
		for _, p := range phases {
			ok = ok && p.passed()
		}
		status := "\033[32mPASS\033[0m"
		if !ok {
			status = "\033[31mFAIL\033[0m"
			failed++
		}
		fmt.Printf("  %-60s %s\n", path, status)
		for _, p := range phases {
			for _, e := range p.errors {
				fmt.Printf("      [%s] %s\n", p.name, e)
			}
		}
	}

	fmt.Println()
	fmt.Printf("Files: %d checked, %d failed\n", len(paths), failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func findTIFFs(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".tif") {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// validateFile runs every phase against one file. A file that cannot be
// decoded fails the first phase and skips the rest.
func validateFile(path string, exp expectations) []*phase {
	decode := &phase{name: "decode"}
	ds, err := geotiff.ReadFile(path)
	if err != nil {
		decode.errorf("%v", err)
		return []*phase{decode}
	}
	return []*phase{
		decode,
		validateTiling(ds, exp),
		validateCompression(ds, exp),
		validatePyramid(ds, exp),
		validateGeoreference(ds),
		validatePixels(ds),
	}
}

func validateTiling(ds *geotiff.Dataset, exp expectations) *phase {
	p := &phase{name: "tiling"}
	for i, lvl := range ds.Levels() {
		if !lvl.Tiled {
			p.errorf("level %d is stored in strips", i)
			continue
		}
		if lvl.TileWidth%16 != 0 || lvl.TileHeight%16 != 0 {
			p.errorf("level %d tile %dx%d is not a multiple of 16", i, lvl.TileWidth, lvl.TileHeight)
		}
		if exp.tileSize > 0 && (lvl.TileWidth != exp.tileSize || lvl.TileHeight != exp.tileSize) {
			p.errorf("level %d tile %dx%d, want %dx%d", i, lvl.TileWidth, lvl.TileHeight, exp.tileSize, exp.tileSize)
		}
	}
	return p
}

func validateCompression(ds *geotiff.Dataset, exp expectations) *phase {
	p := &phase{name: "compression"}
	for i, lvl := range ds.Levels() {
		if !strings.EqualFold(lvl.Compression, exp.compression) {
			p.errorf("level %d uses %s, want %s", i, lvl.Compression, exp.compression)
		}
	}
	return p
}

// validatePyramid checks that overview i halves the full image i times,
// rounding up, and that IFDs are laid out in level order.
func validatePyramid(ds *geotiff.Dataset, exp expectations) *phase {
	p := &phase{name: "overviews"}
	levels := ds.Levels()

	want := 0
	w, h := ds.Width, ds.Height
	for want < exp.overviews && (w > 1 || h > 1) {
		want++
		w, h = ceilDiv(ds.Width, 1<<want), ceilDiv(ds.Height, 1<<want)
	}
	if got := ds.OverviewCount(); got != want {
		p.errorf("%d overviews, want %d", got, want)
	}

	for i, lvl := range levels {
		if i == 0 {
			if lvl.Overview {
				p.errorf("full-resolution image is flagged as an overview")
			}
			continue
		}
		if !lvl.Overview {
			p.errorf("level %d is not flagged as a reduced-resolution image", i)
		}
		ew, eh := ceilDiv(ds.Width, 1<<i), ceilDiv(ds.Height, 1<<i)
		if lvl.Width != ew || lvl.Height != eh {
			p.errorf("level %d is %dx%d, want %dx%d", i, lvl.Width, lvl.Height, ew, eh)
		}
		if lvl.Offset <= levels[i-1].Offset {
			p.errorf("level %d IFD at %d precedes level %d", i, lvl.Offset, i-1)
		}
	}
	return p
}

func validateGeoreference(ds *geotiff.Dataset) *phase {
	p := &phase{name: "georeference"}
	if ds.SRID == 0 {
		p.errorf("no EPSG code in geokeys")
	} else if _, err := raster.LookupCRS(ds.SRID); err != nil {
		p.errorf("EPSG:%d: %v", ds.SRID, err)
	}
	t := ds.Transform
	if t.PixelWidth <= 0 {
		p.errorf("pixel width %g must be positive", t.PixelWidth)
	}
	if t.PixelHeight >= 0 {
		p.errorf("pixel height %g must be negative for a north-up image", t.PixelHeight)
	}
	if !ds.HasNoData {
		p.errorf("nodata value is not set")
	}
	if err := ds.Bounds().Validate(); err != nil {
		p.errorf("bounds: %v", err)
	}
	return p
}

func validatePixels(ds *geotiff.Dataset) *phase {
	p := &phase{name: "pixels"}
	for i := range ds.Levels() {
		g, err := ds.ReadLevel(i)
		if err != nil {
			p.errorf("level %d: %v", i, err)
			continue
		}
		if i == 0 {
			if _, _, ok := g.Stats(); !ok {
				p.errorf("full-resolution image holds only nodata")
			}
		}
	}
	return p
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
