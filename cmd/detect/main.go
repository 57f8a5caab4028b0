// Command detect builds a ResNet/ResNeSt detection backbone from a yaml
// configuration, and optionally runs the full pipeline on a single image:
// forward the backbone, pool features over a proposal grid, score them with
// the detection head, decode detections and render them.
//
// The grid pooling is a stand-in for a real region-of-interest pooler, which
// lives outside this module; it keeps the demo self-contained.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"

	"gocv.io/x/gocv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/jfern-1084/detectron2-ResNeST/backbone"
	"github.com/jfern-1084/detectron2-ResNeST/config"
	"github.com/jfern-1084/detectron2-ResNeST/events"
	"github.com/jfern-1084/detectron2-ResNeST/fastrcnn"
	"github.com/jfern-1084/detectron2-ResNeST/images"
	"github.com/jfern-1084/detectron2-ResNeST/onnx"
	"github.com/jfern-1084/detectron2-ResNeST/structures"
)

const (
	// inputSize is the square side the demo resizes images to; a multiple
	// of 32 so every stage produces whole feature cells.
	inputSize = 256
	// gridCells is the proposal grid resolution per axis.
	gridCells = 4
)

func main() {
	var (
		configPath string
		imagePath  string
		headModel  string
		outputPath string
		feature    string
	)
	flag.StringVar(&configPath, "config", "", "Path to a yaml model configuration (defaults apply when empty)")
	flag.StringVar(&imagePath, "image", "", "Path to an image to run the pipeline on")
	flag.StringVar(&headModel, "head-model", "", "Path to an exported ONNX box head (synthetic head when empty)")
	flag.StringVar(&outputPath, "output", "detections.jpg", "Where to write the rendered detections")
	flag.StringVar(&feature, "feature", "res4", "Backbone feature map to pool regions from")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			log.Fatalf("loading config: %v", err)
		}
	}
	cfg.ResNet.OutFeatures = []string{feature}

	g := G.NewGraph()
	net, err := backbone.BuildResNet(g, cfg.ResNet)
	if err != nil {
		log.Fatalf("building backbone: %v", err)
	}
	for name, spec := range net.OutputShape() {
		log.Printf("feature %s: %d channels, stride %d", name, spec.Channels, spec.Stride)
	}
	if imagePath == "" {
		return
	}

	input, err := images.LoadNCHWTensor(imagePath, inputSize, inputSize)
	if err != nil {
		log.Fatalf("loading image: %v", err)
	}
	x := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(1, 3, inputSize, inputSize),
		G.WithName("image"),
		G.WithValue(input))
	outputs, err := net.Forward(x)
	if err != nil {
		log.Fatalf("building forward pass: %v", err)
	}
	featNode, ok := outputs[feature]
	if !ok {
		log.Fatalf("backbone did not produce feature %q", feature)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		log.Fatalf("running backbone: %v", err)
	}

	featMap, ok := featNode.Value().(*tensor.Dense)
	if !ok {
		log.Fatalf("feature %q did not evaluate to a dense tensor", feature)
	}

	size := structures.ImageSize{Width: inputSize, Height: inputSize}
	proposals, pooled, err := gridProposals(featMap, size)
	if err != nil {
		log.Fatalf("pooling proposals: %v", err)
	}

	head, err := fastrcnn.NewOutputLayers(pooled.Shape()[1], cfg.ROIBox, events.NewStorage())
	if err != nil {
		log.Fatalf("building head: %v", err)
	}
	logits, deltas, err := runHead(headModel, head, pooled, cfg.ROIBox)
	if err != nil {
		log.Fatalf("running head: %v", err)
	}
	dets, err := head.Inference(logits, deltas, []*structures.Proposals{proposals})
	if err != nil {
		log.Fatalf("decoding detections: %v", err)
	}
	log.Printf("%d detections", dets[0].Len())

	if err := render(imagePath, outputPath, dets[0]); err != nil {
		log.Fatalf("rendering: %v", err)
	}
	log.Printf("wrote %s", outputPath)
}

// runHead produces the (logits, deltas) pair: from the exported ONNX model
// when one is given, otherwise from the synthetic head itself.
func runHead(modelPath string, head *fastrcnn.OutputLayers, pooled *tensor.Dense, cfg config.ROIBoxConfig) (*tensor.Dense, *tensor.Dense, error) {
	if modelPath == "" {
		return head.Forward(pooled)
	}

	regClasses := cfg.NumClasses
	if cfg.ClsAgnosticBBoxReg {
		regClasses = 1
	}
	session, err := onnx.NewHeadSession(modelPath, onnx.HeadOpts{
		Regions:           pooled.Shape()[0],
		Features:          pooled.Shape()[1],
		NumClasses:        cfg.NumClasses,
		RegressionClasses: regClasses,
	})
	if err != nil {
		return nil, nil, err
	}
	defer session.Destroy()
	return session.Forward(pooled)
}

// gridProposals carves the image into a regular grid and mean-pools the
// feature map cells under each grid box, yielding one feature row per
// proposal.
func gridProposals(featMap *tensor.Dense, size structures.ImageSize) (*structures.Proposals, *tensor.Dense, error) {
	s := featMap.Shape()
	if len(s) != 4 || s[0] != 1 {
		return nil, nil, fmt.Errorf("feature map must have shape (1, C, H, W), got %v", s)
	}
	channels, fh, fw := s[1], s[2], s[3]
	d := featMap.Data().([]float32)

	cellW := float32(size.Width) / gridCells
	cellH := float32(size.Height) / gridCells
	n := gridCells * gridCells

	boxData := make([]float32, 0, n*4)
	pooledData := make([]float32, 0, n*channels)
	for gy := 0; gy < gridCells; gy++ {
		for gx := 0; gx < gridCells; gx++ {
			boxData = append(boxData,
				float32(gx)*cellW, float32(gy)*cellH,
				float32(gx+1)*cellW, float32(gy+1)*cellH)

			y0, y1 := gy*fh/gridCells, (gy+1)*fh/gridCells
			x0, x1 := gx*fw/gridCells, (gx+1)*fw/gridCells
			count := float32((y1 - y0) * (x1 - x0))
			for c := 0; c < channels; c++ {
				var sum float32
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						sum += d[c*fh*fw+y*fw+x]
					}
				}
				pooledData = append(pooledData, sum/count)
			}
		}
	}

	boxes, err := structures.NewBoxesFromSlice(boxData)
	if err != nil {
		return nil, nil, err
	}
	pooled := tensor.New(
		tensor.WithShape(n, channels),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(pooledData),
	)
	return &structures.Proposals{Boxes: boxes, Size: size}, pooled, nil
}

// render draws the detections onto the original image and writes the result.
func render(imagePath, outputPath string, dets *structures.Detections) error {
	mat := gocv.IMRead(imagePath, gocv.IMReadColor)
	if mat.Empty() {
		return fmt.Errorf("could not read %s", imagePath)
	}
	defer mat.Close()

	sx := float64(mat.Cols()) / float64(dets.Size.Width)
	sy := float64(mat.Rows()) / float64(dets.Size.Height)
	green := color.RGBA{G: 255, A: 255}

	for i := 0; i < dets.Len(); i++ {
		r := dets.Boxes.At(i)
		rect := image.Rect(
			int(float64(r.X1)*sx), int(float64(r.Y1)*sy),
			int(float64(r.X2)*sx), int(float64(r.Y2)*sy))
		gocv.Rectangle(&mat, rect, green, 2)
		label := fmt.Sprintf("class %d: %.2f", dets.Classes[i], dets.Scores[i])
		gocv.PutText(&mat, label, image.Pt(rect.Min.X, rect.Min.Y-4),
			gocv.FontHersheySimplex, 0.4, green, 1)
	}

	if ok := gocv.IMWrite(outputPath, mat); !ok {
		return fmt.Errorf("could not write %s", outputPath)
	}
	return nil
}
