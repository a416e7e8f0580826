// Package cascade provides the classical Haar-cascade face detector used when
// the RetinaFace model cannot be loaded.
package cascade

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/your-org/presence/internal/vision"
)

const cascadeFile = "haarcascade_frontalface_alt.xml"

// searchPaths are tried after the configured directory.
var searchPaths = []string{
	cascadeFile,
	"/usr/local/share/opencv4/haarcascades/" + cascadeFile,
	"/usr/share/opencv4/haarcascades/" + cascadeFile,
	"/opt/homebrew/share/opencv4/haarcascades/" + cascadeFile,
}

// Detector wraps an OpenCV cascade classifier. Not safe for concurrent use.
type Detector struct {
	classifier gocv.CascadeClassifier
	minSize    image.Point
}

// New loads the frontal-face cascade from dir or the usual OpenCV install locations.
func New(dir string) (*Detector, error) {
	c := gocv.NewCascadeClassifier()

	candidates := searchPaths
	if dir != "" {
		candidates = append([]string{filepath.Join(dir, cascadeFile)}, searchPaths...)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if c.Load(path) {
			return &Detector{classifier: c, minSize: image.Pt(40, 40)}, nil
		}
	}

	c.Close()
	return nil, fmt.Errorf("load %s: not found in %v", cascadeFile, candidates)
}

func (d *Detector) Name() string { return "haar-cascade" }

// Detect returns every face rectangle. The classifier has no score, so every
// detection carries confidence 1 and the pipeline's largest-box rule decides.
func (d *Detector) Detect(img image.Image) ([]vision.Detection, error) {
	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert image: %w", err)
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray)
	gocv.EqualizeHist(gray, &gray)

	rects := d.classifier.DetectMultiScaleWithParams(gray, 1.1, 4, 0, d.minSize, image.Point{})

	off := img.Bounds().Min
	dets := make([]vision.Detection, 0, len(rects))
	for _, r := range rects {
		r = r.Add(off)
		dets = append(dets, vision.Detection{
			BBox:       [4]float32{float32(r.Min.X), float32(r.Min.Y), float32(r.Max.X), float32(r.Max.Y)},
			Confidence: 1,
		})
	}
	return dets, nil
}

func (d *Detector) Close() {
	_ = d.classifier.Close()
}
