package golsm

import (
	"math"

	"github.com/paulmach/orb"
)

// PolygonFromBounds creates a polygon from a bounding box
func PolygonFromBounds(bound orb.Bound) orb.Polygon {
	if bound.IsEmpty() {
		return orb.Polygon{}
	}

	ring := orb.Ring{
		{bound.Min[0], bound.Min[1]},
		{bound.Max[0], bound.Min[1]},
		{bound.Max[0], bound.Max[1]},
		{bound.Min[0], bound.Max[1]},
		{bound.Min[0], bound.Min[1]},
	}

	return orb.Polygon{ring}
}

// stageFrame returns the stage origin and pixel spacing of the x/y plane.
func (f *File) stageFrame() (origin, spacing orb.Point) {
	if f.md.info == nil {
		return orb.Point{}, orb.Point{}
	}
	info := f.md.info
	return orb.Point{info.Origin[0], info.Origin[1]}, orb.Point{info.VoxelSize[0], info.VoxelSize[1]}
}

// PlaneBounds returns the extent of one plane in stage coordinates (metres).
// It is empty when the file records no voxel size.
func (f *File) PlaneBounds() orb.Bound {
	origin, spacing := f.stageFrame()
	if spacing[0] == 0 || spacing[1] == 0 {
		return orb.Bound{Min: origin, Max: origin}
	}
	far := orb.Point{origin[0] + float64(f.dims.X)*spacing[0], origin[1] + float64(f.dims.Y)*spacing[1]}
	return orb.MultiPoint{origin, far}.Bound()
}

// PointFromPixel converts the top-left corner of pixel (x, y) to stage coordinates.
// Rows grow along +y on the stage.
func (f *File) PointFromPixel(x, y int) orb.Point {
	origin, spacing := f.stageFrame()
	return orb.Point{origin[0] + float64(x)*spacing[0], origin[1] + float64(y)*spacing[1]}
}

// PixelFromPoint converts a stage point to the pixel containing it. Points
// outside the plane map to pixels outside [0, X) x [0, Y).
func (f *File) PixelFromPoint(point orb.Point) (int, int) {
	origin, spacing := f.stageFrame()
	if spacing[0] == 0 || spacing[1] == 0 {
		return 0, 0
	}
	px := int(math.Floor((point[0] - origin[0]) / spacing[0]))
	py := int(math.Floor((point[1] - origin[1]) / spacing[1]))
	return px, py
}

// PlanePolygon returns the plane extent as a polygon
func (f *File) PlanePolygon() orb.Polygon {
	return PolygonFromBounds(f.PlaneBounds())
}

// SlicePosition returns the stage z coordinate of slice z in metres.
func (f *File) SlicePosition(z int) float64 {
	if f.md.info == nil {
		return 0
	}
	return f.md.info.Origin[2] + float64(z)*f.md.info.VoxelSize[2]
}
