package muzzle

import (
	"image"
	"math"
)

const histogramBins = 256

// equalize applies contrast-limited adaptive histogram equalization: the
// image is divided into a tileGrid x tileGrid grid, each tile's histogram is
// clipped at clipLimit times the uniform bin height with the excess
// redistributed evenly, and each tile's CDF becomes a lookup table. Pixels
// are mapped through the four surrounding tile tables blended by bilinear
// interpolation, which avoids visible tile seams.
func equalize(src *image.Gray, clipLimit float64, tileGrid int) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if w == 0 || h == 0 {
		return src
	}

	tileW := (w + tileGrid - 1) / tileGrid
	tileH := (h + tileGrid - 1) / tileGrid

	luts := make([][histogramBins]uint8, tileGrid*tileGrid)
	for ty := 0; ty < tileGrid; ty++ {
		for tx := 0; tx < tileGrid; tx++ {
			luts[ty*tileGrid+tx] = tileLUT(src, tx*tileW, ty*tileH, tileW, tileH, clipLimit)
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		fy := (float64(y)+0.5)/float64(tileH) - 0.5
		ty0 := int(math.Floor(fy))
		dy := fy - float64(ty0)
		ty1 := clampTile(ty0+1, tileGrid)
		ty0 = clampTile(ty0, tileGrid)

		for x := 0; x < w; x++ {
			fx := (float64(x)+0.5)/float64(tileW) - 0.5
			tx0 := int(math.Floor(fx))
			dx := fx - float64(tx0)
			tx1 := clampTile(tx0+1, tileGrid)
			tx0 = clampTile(tx0, tileGrid)

			v := src.Pix[y*src.Stride+x]
			top := float64(luts[ty0*tileGrid+tx0][v])*(1-dx) + float64(luts[ty0*tileGrid+tx1][v])*dx
			bottom := float64(luts[ty1*tileGrid+tx0][v])*(1-dx) + float64(luts[ty1*tileGrid+tx1][v])*dx
			dst.Pix[y*dst.Stride+x] = uint8(top*(1-dy) + bottom*dy + 0.5)
		}
	}
	return dst
}

// tileLUT builds the clipped-equalization lookup table for one tile. Tiles at
// the right and bottom edges may cover fewer pixels; the table is scaled by
// the actual pixel count.
func tileLUT(src *image.Gray, x0, y0, tileW, tileH int, clipLimit float64) [histogramBins]uint8 {
	w, h := src.Rect.Dx(), src.Rect.Dy()

	var hist [histogramBins]int
	count := 0
	for y := y0; y < y0+tileH && y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := x0; x < x0+tileW && x < w; x++ {
			hist[row[x]]++
			count++
		}
	}

	var lut [histogramBins]uint8
	if count == 0 {
		for i := range lut {
			lut[i] = uint8(i)
		}
		return lut
	}

	limit := int(clipLimit * float64(count) / histogramBins)
	if limit < 1 {
		limit = 1
	}

	excess := 0
	for i, c := range hist {
		if c > limit {
			excess += c - limit
			hist[i] = limit
		}
	}

	share := excess / histogramBins
	remainder := excess % histogramBins
	for i := range hist {
		hist[i] += share
	}
	for i := 0; i < remainder; i++ {
		hist[i]++
	}

	scale := 255.0 / float64(count)
	cum := 0
	for i, c := range hist {
		cum += c
		mapped := math.Round(float64(cum) * scale)
		if mapped > 255 {
			mapped = 255
		}
		lut[i] = uint8(mapped)
	}
	return lut
}

func clampTile(i, tileGrid int) int {
	if i < 0 {
		return 0
	}
	if i >= tileGrid {
		return tileGrid - 1
	}
	return i
}
