package vision

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// imageToFloat32CHW converts an image to CHW float32 with pixel = (pixel - mean) / std.
func imageToFloat32CHW(img image.Image, mean, std [3]float32) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(x+b.Min.X, y+b.Min.Y).RGBA()
			idx := y*w + x
			data[idx] = (float32(r>>8) - mean[0]) / std[0]
			data[plane+idx] = (float32(g>>8) - mean[1]) / std[1]
			data[2*plane+idx] = (float32(bl>>8) - mean[2]) / std[2]
		}
	}

	return data
}

// resizeImage scales img to exactly targetW x targetH with bilinear filtering.
func resizeImage(img image.Image, targetW, targetH int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// paddedRect grows the detection box by padding*width on the left and right and
// padding*height on top and bottom, clamped to bounds.
func paddedRect(bbox [4]float32, padding float64, bounds image.Rectangle) image.Rectangle {
	w := float64(bbox[2] - bbox[0])
	h := float64(bbox[3] - bbox[1])
	padW := w * padding
	padH := h * padding

	r := image.Rect(
		int(math.Floor(float64(bbox[0])-padW)),
		int(math.Floor(float64(bbox[1])-padH)),
		int(math.Ceil(float64(bbox[2])+padW)),
		int(math.Ceil(float64(bbox[3])+padH)),
	)
	return r.Intersect(bounds)
}

// cropFace copies the padded face region into a new image anchored at (0,0).
func cropFace(img image.Image, bbox [4]float32, padding float64) image.Image {
	r := paddedRect(bbox, padding, img.Bounds())
	if r.Empty() {
		return nil
	}
	crop := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(crop, image.Point{}, img, r, draw.Src, nil)
	return crop
}

// selectFace picks the largest box. Equal areas fall back to higher confidence,
// then to the top-most, left-most box.
func selectFace(dets []Detection) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if better(d, best) {
			best = d
		}
	}
	return best, true
}

func better(a, b Detection) bool {
	if a.Area() != b.Area() {
		return a.Area() > b.Area()
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.BBox[1] != b.BBox[1] {
		return a.BBox[1] < b.BBox[1]
	}
	return a.BBox[0] < b.BBox[0]
}

// Normalize performs L2 normalization in place and returns the original norm.
func Normalize(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm > 0 {
		inv := 1 / norm
		for i := range v {
			v[i] = float32(float64(v[i]) * inv)
		}
	}
	return norm
}
