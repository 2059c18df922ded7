// Package domain models the raster pipeline of the urban digital twin: point
// measurements, the grids interpolated from them, and the artifacts and tiles
// derived from those grids.
//
// # Grid Conventions
//
// Grids are north-up. Row 0 is the northern edge and the affine transform has
// a negative pixel height:
//
//	x = OriginX + col*PixelWidth
//	y = OriginY + row*PixelHeight   (PixelHeight < 0)
//
// Values are float32 in row-major order. Cells holding the nodata sentinel
// (default -9999) carry no measurement. SRID 0 means no coordinate reference
// system has been assigned yet.
//
// # Interpolation Mesh
//
// An interpolation over bounds (minX, minY, maxX, maxY) at resolution r
// produces ceil((maxX-minX)/r) columns and ceil((maxY-minY)/r) rows. Values
// are evaluated on the mesh nodes
//
//	x_j = minX + j*r
//	y_i = minY + i*r
//
// and node (j, i) is stored at column j, row height-1-i. When the extent is a
// multiple of r every node is the south-west corner of its cell.
//
// Methods:
//
//	idw      inverse distance weighting, weight 1/(d+1e-10), all samples participate
//	linear   radial basis function with kernel r
//	kriging  radial basis function with gaussian kernel exp(-(r/eps)^2)
//
// "kriging" is kept as the wire label for compatibility. It is a gaussian RBF,
// not geostatistical kriging: there is no variogram fit.
//
// # Artifacts
//
// Exported Cloud-Optimized GeoTIFFs live at
//
//	<root>/<group>/<model>/<id>_<YYYYMMDD>.tif
//
// where the date is the observation date of the raster, not the export time,
// so exporting unchanged data twice overwrites the same file. See [ArtifactKey].
//
// # Tiles
//
// Tiles use the XYZ slippy-map scheme in Web Mercator (EPSG:3857). A tile for
// a layer that is unknown, not yet exported, or not covered by the raster is
// "no data" rather than an error. See [TileBounds].
package domain
