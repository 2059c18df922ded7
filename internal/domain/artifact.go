package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// OwnerRef identifies the record that owns a raster.
type OwnerRef struct {
	Group string `json:"group"`
	Model string `json:"model"`
	ID    int64  `json:"id"`
}

// ModelKey returns the registry key "group.Model".
func (o OwnerRef) ModelKey() string {
	return o.Group + "." + o.Model
}

// LayerKey returns the tile layer key "group.Model.id".
func (o OwnerRef) LayerKey() string {
	return o.ModelKey() + "." + strconv.FormatInt(o.ID, 10)
}

func (o OwnerRef) String() string { return o.LayerKey() }

var segmentPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Validate requires path-safe group and model names and a positive id.
func (o OwnerRef) Validate() error {
	if !segmentPattern.MatchString(o.Group) {
		return InvalidParameterf("invalid model group %q", o.Group)
	}
	if !segmentPattern.MatchString(o.Model) {
		return InvalidParameterf("invalid model name %q", o.Model)
	}
	if o.ID <= 0 {
		return InvalidParameterf("record id must be positive, got %d", o.ID)
	}
	return nil
}

// ParseModelKey splits "group.Model".
func ParseModelKey(key string) (group, model string, err error) {
	group, model, ok := strings.Cut(key, ".")
	if !ok || !segmentPattern.MatchString(group) || !segmentPattern.MatchString(model) {
		return "", "", InvalidParameterf("model key must look like group.Model, got %q", key)
	}
	return group, model, nil
}

// LayerRef is a parsed layer key. ID 0 selects the newest exported raster of the model.
type LayerRef struct {
	Group string
	Model string
	ID    int64
}

// Latest reports whether the key names a model rather than one raster.
func (l LayerRef) Latest() bool { return l.ID == 0 }

func (l LayerRef) ModelKey() string { return l.Group + "." + l.Model }

// ParseLayerKey accepts "group.Model.id" and "group.Model".
func ParseLayerKey(key string) (LayerRef, error) {
	parts := strings.Split(key, ".")
	switch len(parts) {
	case 2:
		group, model, err := ParseModelKey(key)
		if err != nil {
			return LayerRef{}, err
		}
		return LayerRef{Group: group, Model: model}, nil
	case 3:
		group, model, err := ParseModelKey(parts[0] + "." + parts[1])
		if err != nil {
			return LayerRef{}, err
		}
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || id <= 0 {
			return LayerRef{}, InvalidParameterf("layer id must be a positive integer, got %q", parts[2])
		}
		return LayerRef{Group: group, Model: model, ID: id}, nil
	default:
		return LayerRef{}, InvalidParameterf("layer key must look like group.Model or group.Model.id, got %q", key)
	}
}

// ArtifactKey is the deterministic location of an exported COG relative to the
// artifact root.
type ArtifactKey struct {
	Owner OwnerRef
	Date  time.Time // observation date of the raster
}

// Key returns the slash-separated relative key, also used as object storage key.
func (k ArtifactKey) Key() string {
	return fmt.Sprintf("%s/%s/%d_%s.tif", k.Owner.Group, k.Owner.Model, k.Owner.ID, k.Date.UTC().Format("20060102"))
}

// Path joins the key onto root using the OS separator.
func (k ArtifactKey) Path(root string) string {
	return filepath.Join(root, filepath.FromSlash(k.Key()))
}

// Artifact describes a written COG.
type Artifact struct {
	Owner      OwnerRef  `json:"owner"`
	Path       string    `json:"path"`
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	ExportedAt time.Time `json:"exported_at"`
}

// Style carries render-only metadata. It never alters stored values.
type Style struct {
	Colormap   string   `json:"colormap,omitempty"`
	RescaleMin *float64 `json:"rescale_min,omitempty"`
	RescaleMax *float64 `json:"rescale_max,omitempty"`
}

// SourceRaster is the owning record of a raster: the grid plus descriptive metadata.
type SourceRaster struct {
	Owner        OwnerRef
	Name         string
	ObservedAt   time.Time
	Grid         *Grid
	Categorical  bool
	Style        Style
	Resolution   float64
	Method       Method
	Metadata     map[string]any
	ArtifactPath string
	ExportedAt   time.Time
}

// ArtifactKey returns the export location of the raster.
func (r SourceRaster) ArtifactKey() ArtifactKey {
	return ArtifactKey{Owner: r.Owner, Date: r.ObservedAt}
}

// Layer is a raster whose artifact can be served as tiles.
type Layer struct {
	Key         string    `json:"key"`
	Owner       OwnerRef  `json:"owner"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Categorical bool      `json:"categorical"`
	Style       Style     `json:"style"`
	ObservedAt  time.Time `json:"observed_at"`
	ExportedAt  time.Time `json:"exported_at"`
}

// ModelLayers groups the exported rasters of one registered model.
type ModelLayers struct {
	Model  string  `json:"model"`
	Latest string  `json:"latest"`
	Layers []Layer `json:"layers"`
}
