package segmentation

import "github.com/tphakala/lightfield/internal/framebuffer"

// DefaultMaskThreshold is the alpha a pixel must exceed to count as
// foreground in the bounding box.
const DefaultMaskThreshold = 128

// BoundingBox is a pixel rectangle. Width and Height are inclusive extents.
type BoundingBox struct {
	X, Y          int
	Width, Height int
}

// MaskAnalysis summarises one mask.
type MaskAnalysis struct {
	Box *BoundingBox
	Sum float64
}

// MaskedBoundingBox returns the smallest box around pixels whose alpha
// exceeds DefaultMaskThreshold, or nil when there are none.
func MaskedBoundingBox(m *framebuffer.Mask) *BoundingBox {
	return boundingBoxAbove(m, DefaultMaskThreshold)
}

func boundingBoxAbove(m *framebuffer.Mask, threshold uint8) *BoundingBox {
	if m == nil || m.Width <= 0 || m.Height <= 0 || len(m.Alpha) < m.Width*m.Height {
		return nil
	}
	minX, minY := m.Width, m.Height
	maxX, maxY := -1, -1
	for y := 0; y < m.Height; y++ {
		row := m.Alpha[y*m.Width : (y+1)*m.Width]
		for x, a := range row {
			if a <= threshold {
				continue
			}
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}
	if maxX < 0 {
		return nil
	}
	return &BoundingBox{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}
}

// SumMaskedPixels returns the soft pixel count, the sum of alpha/255.
func SumMaskedPixels(m *framebuffer.Mask) float64 {
	if m == nil {
		return 0
	}
	var total uint64
	for _, a := range m.Alpha[:min(len(m.Alpha), m.Width*m.Height)] {
		total += uint64(a)
	}
	return float64(total) / 255
}

// AnalyzeMask computes the bounding box with the given threshold and the
// soft pixel count. A zero threshold uses DefaultMaskThreshold.
func AnalyzeMask(m *framebuffer.Mask, threshold uint8) MaskAnalysis {
	if threshold == 0 {
		threshold = DefaultMaskThreshold
	}
	return MaskAnalysis{
		Box: boundingBoxAbove(m, threshold),
		Sum: SumMaskedPixels(m),
	}
}
