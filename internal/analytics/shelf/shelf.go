// Package shelf reports empty shelf slots by comparing product detections
// with the configured shelf layout. It keeps no state between frames.
package shelf

import (
	"github.com/samber/lo"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/geom"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

type Config struct {
	// CoverageThreshold is the fraction of a slot's area a product box must
	// cover for the slot to count as stocked.
	CoverageThreshold float64
	// MinConfidence is the lowest detection confidence counted as product evidence.
	MinConfidence float64
	// ProductClasses are the classes that stock a shelf.
	ProductClasses []models.ClassLabel
}

type Analyzer struct {
	cfg     Config
	layouts map[string][]models.ShelfRegion
}

func New(cfg Config, layouts map[string][]models.ShelfRegion) *Analyzer {
	if len(cfg.ProductClasses) == 0 {
		cfg.ProductClasses = []models.ClassLabel{models.ClassProduct}
	}
	return &Analyzer{cfg: cfg, layouts: layouts}
}

// Analyze returns one GapReport per slot of cameraID whose best coverage is
// below the threshold, in layout order.
func (a *Analyzer) Analyze(cameraID string, detections []models.Detection) ([]models.GapReport, error) {
	regions, ok := a.layouts[cameraID]
	if !ok || len(regions) == 0 {
		return nil, &models.UnknownRegionError{CameraID: cameraID, Analyzer: models.DomainShelf}
	}

	products := lo.Filter(detections, func(d models.Detection, _ int) bool {
		return d.Confidence >= a.cfg.MinConfidence && lo.Contains(a.cfg.ProductClasses, d.Class)
	})

	gaps := make([]models.GapReport, 0)
	for _, region := range regions {
		best := Coverage(region.Region, products)
		if best >= a.cfg.CoverageThreshold {
			continue
		}
		gaps = append(gaps, models.GapReport{
			ShelfID:       region.ID,
			DetectedEmpty: true,
			Confidence:    geom.Clamp(1-best, 0, 1),
			Position:      [2]int{int(region.Region.X), int(region.Region.Y)},
		})
	}
	return gaps, nil
}

// Coverage is the largest intersection-over-region-area among detections.
func Coverage(region geom.Rect, detections []models.Detection) float64 {
	area := region.Area()
	if area == 0 {
		return 0
	}
	best := 0.0
	for _, d := range detections {
		best = max(best, region.Intersect(d.Box).Area()/area)
	}
	return geom.Clamp(best, 0, 1)
}
