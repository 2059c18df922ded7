package tile

import (
	"image/color"
	"math"
	"sort"
	"strings"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

// Colormap turns a normalized value into a color.
type Colormap struct {
	Name        string
	stops       []color.NRGBA
	categorical bool
}

// Default colormap names.
const (
	DefaultContinuous  = "viridis"
	DefaultCategorical = "tab10"
)

var colormaps = map[string]Colormap{
	"gray": {Name: "gray", stops: []color.NRGBA{
		{0, 0, 0, 255}, {255, 255, 255, 255},
	}},
	"viridis": {Name: "viridis", stops: []color.NRGBA{
		{68, 1, 84, 255}, {72, 40, 120, 255}, {62, 74, 137, 255}, {49, 104, 142, 255},
		{38, 130, 142, 255}, {31, 158, 137, 255}, {53, 183, 121, 255}, {109, 205, 89, 255},
		{180, 222, 44, 255}, {253, 231, 37, 255},
	}},
	"magma": {Name: "magma", stops: []color.NRGBA{
		{0, 0, 4, 255}, {28, 16, 68, 255}, {79, 18, 123, 255}, {129, 37, 129, 255},
		{181, 54, 122, 255}, {229, 80, 100, 255}, {251, 135, 97, 255}, {254, 194, 135, 255},
		{252, 253, 191, 255},
	}},
	"rdylbu_r": {Name: "rdylbu_r", stops: []color.NRGBA{
		{49, 54, 149, 255}, {69, 117, 180, 255}, {116, 173, 209, 255}, {171, 217, 233, 255},
		{224, 243, 248, 255}, {255, 255, 191, 255}, {254, 224, 144, 255}, {253, 174, 97, 255},
		{244, 109, 67, 255}, {215, 48, 39, 255}, {165, 0, 38, 255},
	}},
	"blues": {Name: "blues", stops: []color.NRGBA{
		{247, 251, 255, 255}, {198, 219, 239, 255}, {107, 174, 214, 255},
		{33, 113, 181, 255}, {8, 48, 107, 255},
	}},
	"tab10": {Name: "tab10", categorical: true, stops: []color.NRGBA{
		{31, 119, 180, 255}, {255, 127, 14, 255}, {44, 160, 44, 255}, {214, 39, 40, 255},
		{148, 103, 189, 255}, {140, 86, 75, 255}, {227, 119, 194, 255}, {127, 127, 127, 255},
		{188, 189, 34, 255}, {23, 190, 207, 255},
	}},
}

// LookupColormap finds a colormap by case-insensitive name.
func LookupColormap(name string) (Colormap, error) {
	cm, ok := colormaps[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Colormap{}, domain.InvalidParameterf("unknown colormap %q (known: %s)", name, strings.Join(ColormapNames(), ", "))
	}
	return cm, nil
}

// ColormapNames lists the registered colormaps in sorted order.
func ColormapNames() []string {
	names := make([]string, 0, len(colormaps))
	for n := range colormaps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Categorical reports whether the map assigns one color per class value.
func (c Colormap) Categorical() bool { return c.categorical }

// At maps t in [0, 1] onto the ramp. Values outside are clamped.
func (c Colormap) At(t float64) color.NRGBA {
	if math.IsNaN(t) {
		return color.NRGBA{}
	}
	t = math.Max(0, math.Min(1, t))
	pos := t * float64(len(c.stops)-1)
	i := int(pos)
	if i >= len(c.stops)-1 {
		return c.stops[len(c.stops)-1]
	}
	f := pos - float64(i)
	a, b := c.stops[i], c.stops[i+1]
	return color.NRGBA{
		R: lerp(a.R, b.R, f),
		G: lerp(a.G, b.G, f),
		B: lerp(a.B, b.B, f),
		A: 255,
	}
}

// Class returns the palette color of a class value, cycling through the palette.
func (c Colormap) Class(v float32) color.NRGBA {
	k := int(math.Round(float64(v)))
	n := len(c.stops)
	return c.stops[((k%n)+n)%n]
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*f))
}

// renderStyle is a resolved Style: a colormap and a value range.
type renderStyle struct {
	cmap     Colormap
	min, max float64
}

// resolveStyle applies query overrides on top of the layer defaults. A missing
// rescale bound falls back to the data range of the base grid.
func resolveStyle(layer domain.Layer, query domain.Style, dataMin, dataMax float64) (renderStyle, error) {
	name := query.Colormap
	if name == "" {
		name = layer.Style.Colormap
	}
	if name == "" {
		name = DefaultContinuous
		if layer.Categorical {
			name = DefaultCategorical
		}
	}
	cm, err := LookupColormap(name)
	if err != nil {
		return renderStyle{}, err
	}
	rs := renderStyle{cmap: cm, min: dataMin, max: dataMax}
	if v := firstSet(query.RescaleMin, layer.Style.RescaleMin); v != nil {
		rs.min = *v
	}
	if v := firstSet(query.RescaleMax, layer.Style.RescaleMax); v != nil {
		rs.max = *v
	}
	if rs.max < rs.min {
		rs.min, rs.max = rs.max, rs.min
	}
	return rs, nil
}

func firstSet(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func (s renderStyle) color(v float32) color.NRGBA {
	if s.cmap.categorical {
		return s.cmap.Class(v)
	}
	span := s.max - s.min
	if span <= 0 {
		return s.cmap.At(0.5)
	}
	return s.cmap.At((float64(v) - s.min) / span)
}

// cacheKey identifies the resolved style inside a tile cache key.
func (s renderStyle) cacheKey() string {
	return s.cmap.Name + ":" + formatFloat(s.min) + ":" + formatFloat(s.max)
}
