package vision

import (
	"fmt"
	"image"
	"math"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// Detection represents a detected face.
type Detection struct {
	BBox       [4]float32    // x1, y1, x2, y2 (pixel coordinates)
	Confidence float32
	Landmarks  [5][2]float32 // eyes, nose, mouth corners; zero for the cascade detector
}

func (d Detection) Width() float32  { return d.BBox[2] - d.BBox[0] }
func (d Detection) Height() float32 { return d.BBox[3] - d.BBox[1] }

func (d Detection) Area() float32 {
	w, h := d.Width(), d.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// FaceDetector locates faces in a decoded image.
type FaceDetector interface {
	Detect(img image.Image) ([]Detection, error)
	Name() string
	Close()
}

// RetinaFaceDetector runs RetinaFace (det_10g) through ONNX Runtime.
// A session is not safe for concurrent Run calls; each worker owns one.
type RetinaFaceDetector struct {
	session       *ort.AdvancedSession
	inputTensor   *ort.Tensor[float32]
	outputTensors []*ort.Tensor[float32]
	threshold     float32
	inputW        int
	inputH        int
}

var strides = []int{8, 16, 32}

const anchorsPerStride = 2

const nmsIoU = 0.4

// NewRetinaFaceDetector loads the det_10g model.
// opts may be nil (ORT defaults) or a pre-configured *ort.SessionOptions.
func NewRetinaFaceDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*RetinaFaceDetector, error) {
	inputW, inputH := 640, 640

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(inputH), int64(inputW)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	// det_10g emits scores, boxes and landmarks per stride with no batch dimension.
	// 12800 = 80*80*2, 3200 = 40*40*2, 800 = 20*20*2.
	outputs := []struct {
		name  string
		shape ort.Shape
	}{
		{"448", ort.NewShape(12800, 1)},
		{"471", ort.NewShape(3200, 1)},
		{"494", ort.NewShape(800, 1)},
		{"451", ort.NewShape(12800, 4)},
		{"474", ort.NewShape(3200, 4)},
		{"497", ort.NewShape(800, 4)},
		{"454", ort.NewShape(12800, 10)},
		{"477", ort.NewShape(3200, 10)},
		{"500", ort.NewShape(800, 10)},
	}

	names := make([]string, len(outputs))
	tensors := make([]*ort.Tensor[float32], 0, len(outputs))
	values := make([]ort.Value, len(outputs))

	destroy := func() {
		inputTensor.Destroy()
		for _, t := range tensors {
			t.Destroy()
		}
	}

	for i, spec := range outputs {
		names[i] = spec.name
		t, err := ort.NewEmptyTensor[float32](spec.shape)
		if err != nil {
			destroy()
			return nil, fmt.Errorf("create output tensor %s: %w", spec.name, err)
		}
		tensors = append(tensors, t)
		values[i] = t
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		names,
		[]ort.Value{inputTensor},
		values,
		opts,
	)
	if err != nil {
		destroy()
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &RetinaFaceDetector{
		session:       session,
		inputTensor:   inputTensor,
		outputTensors: tensors,
		threshold:     threshold,
		inputW:        inputW,
		inputH:        inputH,
	}, nil
}

func (d *RetinaFaceDetector) Name() string { return "retinaface" }

// Detect resizes img to the model input, runs the session and decodes boxes in
// original image coordinates.
func (d *RetinaFaceDetector) Detect(img image.Image) ([]Detection, error) {
	b := img.Bounds()
	input := imageToFloat32CHW(resizeImage(img, d.inputW, d.inputH),
		[3]float32{127.5, 127.5, 127.5}, [3]float32{128.0, 128.0, 128.0})
	copy(d.inputTensor.GetData(), input)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	dets := d.decode(b.Dx(), b.Dy())
	for i := range dets {
		offset(&dets[i], float32(b.Min.X), float32(b.Min.Y))
	}
	return nms(dets, nmsIoU), nil
}

// decode turns anchor-relative distances at strides 8/16/32 into boxes.
func (d *RetinaFaceDetector) decode(origW, origH int) []Detection {
	var out []Detection

	scaleW := float32(origW) / float32(d.inputW)
	scaleH := float32(origH) / float32(d.inputH)

	for si, stride := range strides {
		scores := d.outputTensors[si].GetData()
		boxes := d.outputTensors[si+3].GetData()
		marks := d.outputTensors[si+6].GetData()

		st := float32(stride)
		cols := d.inputW / stride
		rows := d.inputH / stride

		idx := 0
		for cy := 0; cy < rows; cy++ {
			for cx := 0; cx < cols; cx++ {
				for a := 0; a < anchorsPerStride; a++ {
					if scores[idx] < d.threshold {
						idx++
						continue
					}
					ax := float32(cx) * st
					ay := float32(cy) * st

					det := Detection{
						BBox: [4]float32{
							clampF((ax-boxes[idx*4+0]*st)*scaleW, 0, float32(origW)),
							clampF((ay-boxes[idx*4+1]*st)*scaleH, 0, float32(origH)),
							clampF((ax+boxes[idx*4+2]*st)*scaleW, 0, float32(origW)),
							clampF((ay+boxes[idx*4+3]*st)*scaleH, 0, float32(origH)),
						},
						Confidence: scores[idx],
					}
					for li := 0; li < 5; li++ {
						det.Landmarks[li][0] = (ax + marks[idx*10+li*2]*st) * scaleW
						det.Landmarks[li][1] = (ay + marks[idx*10+li*2+1]*st) * scaleH
					}
					out = append(out, det)
					idx++
				}
			}
		}
	}

	return out
}

func (d *RetinaFaceDetector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	for _, t := range d.outputTensors {
		if t != nil {
			t.Destroy()
		}
	}
}

func offset(d *Detection, dx, dy float32) {
	d.BBox[0] += dx
	d.BBox[1] += dy
	d.BBox[2] += dx
	d.BBox[3] += dy
	for i := range d.Landmarks {
		d.Landmarks[i][0] += dx
		d.Landmarks[i][1] += dy
	}
}

// nms performs Non-Maximum Suppression on detections.
func nms(detections []Detection, iouThreshold float32) []Detection {
	if len(detections) == 0 {
		return detections
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	suppressed := make([]bool, len(detections))
	var result []Detection
	for i := range detections {
		if suppressed[i] {
			continue
		}
		result = append(result, detections[i])
		for j := i + 1; j < len(detections); j++ {
			if !suppressed[j] && iou(detections[i].BBox, detections[j].BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return result
}

func iou(a, b [4]float32) float32 {
	x1 := float32(math.Max(float64(a[0]), float64(b[0])))
	y1 := float32(math.Max(float64(a[1]), float64(b[1])))
	x2 := float32(math.Min(float64(a[2]), float64(b[2])))
	y2 := float32(math.Min(float64(a[3]), float64(b[3])))

	intersection := float32(math.Max(0, float64(x2-x1))) * float32(math.Max(0, float64(y2-y1)))

	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - intersection

	if union <= 0 {
		return 0
	}
	return intersection / union
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
