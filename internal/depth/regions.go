package depth

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/terranav/fieldrover/internal/proximity"
)

// region is an axis-aligned sub-grid expressed as fractions of the frame,
// mapped to one forward sector.
type region struct {
	sector int
	x0, x1 float64 // column span, [x0, x1)
	y0, y1 float64 // row span, [y0, y1)
}

// The camera faces forward, so only the three forward sectors are ever
// populated from depth. The vertical band excludes the sky and the rover's
// own chassis at the frame edges.
var forwardRegions = [3]region{
	{sector: proximity.SectorFrontLeft, x0: 0, x1: 1.0 / 3, y0: 0.25, y1: 0.75},
	{sector: proximity.SectorFront, x0: 1.0 / 3, x1: 2.0 / 3, y0: 0.25, y1: 0.75},
	{sector: proximity.SectorFrontRight, x0: 2.0 / 3, x1: 1, y0: 0.25, y1: 0.75},
}

// Sectors reduces a frame to a partial SectorDistance: the three forward
// sectors carry the percentile-filtered closest obstacle per region, all
// other sectors stay at MaxDistanceCM.
func (r *Reader) Sectors(f *Frame) proximity.SectorDistance {
	sectors := proximity.Unknown()
	for _, reg := range forwardRegions {
		mm, ok := r.closestInRegion(f, reg)
		if !ok {
			continue
		}
		sectors.Observe(reg.sector, int(math.Round(mm/10)))
	}
	return sectors
}

// closestInRegion gathers the region's plausible depths and takes the
// configured percentile of them. Returns ok=false when the region has no
// valid depths at all.
func (r *Reader) closestInRegion(f *Frame, reg region) (mm float64, ok bool) {
	x0, x1 := int(reg.x0*float64(f.Width)), int(reg.x1*float64(f.Width))
	y0, y1 := int(reg.y0*float64(f.Height)), int(reg.y1*float64(f.Height))

	valid := make([]float64, 0, (x1-x0)*(y1-y0))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			d := int(f.At(x, y))
			if d < r.cfg.MinDepthMM || d > r.cfg.MaxDepthMM {
				continue
			}
			valid = append(valid, float64(d))
		}
	}
	if len(valid) == 0 {
		return 0, false
	}
	sort.Float64s(valid)
	return stat.Quantile(r.cfg.Percentile, stat.Empirical, valid, nil), true
}
