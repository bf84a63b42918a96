package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	onnxrt "github.com/yalue/onnxruntime_go"
)

// Config controls the ONNX-backed classifier.
type Config struct {
	ModelPath  string
	LabelsPath string
	NumThreads int
	// Input edge length; 0 auto-detects from the model, falling back to 224.
	InputSize int
	// EnableWarmup runs one inference on a blank image at construction so
	// the first real prediction does not pay session warmup cost.
	EnableWarmup bool
}

// DefaultConfig provides sensible defaults for the bundled MobileNet model.
func DefaultConfig() Config {
	return Config{
		ModelPath:    GetModelPath("", MobileNetModel),
		LabelsPath:   GetModelPath("", MobileNetLabels),
		NumThreads:   0,
		InputSize:    0,
		EnableWarmup: false,
	}
}

// UpdateModelPath relocates the model and labels under modelsDir,
// preserving the current filenames.
func (c *Config) UpdateModelPath(modelsDir string) {
	model := filepath.Base(c.ModelPath)
	if model == "." || model == "" || model == "/" {
		model = MobileNetModel
	}
	labels := filepath.Base(c.LabelsPath)
	if labels == "." || labels == "" || labels == "/" {
		labels = MobileNetLabels
	}
	c.ModelPath = GetModelPath(modelsDir, model)
	c.LabelsPath = GetModelPath(modelsDir, labels)
}

// ImageNet channel statistics used to normalize model input.
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ONNXClassifier runs a MobileNet-style image classification model via
// onnxruntime. Construction loads the model and labels eagerly.
type ONNXClassifier struct {
	cfg        Config
	session    *onnxrt.DynamicAdvancedSession
	inputInfo  onnxrt.InputOutputInfo
	outputInfo onnxrt.InputOutputInfo
	labels     []string
	inH, inW   int
}

// NewONNXClassifier creates a classifier from cfg. The model must exist;
// callers wanting lazy or fallback behavior use Loader.
func NewONNXClassifier(cfg Config) (*ONNXClassifier, error) {
	if err := validateModelPath(cfg.ModelPath); err != nil {
		return nil, err
	}

	labels, err := LoadLabels(cfg.LabelsPath)
	if err != nil {
		return nil, err
	}

	if err := initializeONNXEnvironment(); err != nil {
		return nil, err
	}

	in, out, err := modelIOInfo(cfg.ModelPath)
	if err != nil {
		return nil, err
	}

	opts, err := createSessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := opts.Destroy(); err != nil {
			fmt.Fprintf(os.Stderr, "Error destroying session options: %v\n", err)
		}
	}()

	sess, err := onnxrt.NewDynamicAdvancedSession(cfg.ModelPath, []string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	c := &ONNXClassifier{cfg: cfg, session: sess, inputInfo: in, outputInfo: out, labels: labels}
	if len(in.Dimensions) == 4 {
		if h := in.Dimensions[2]; h > 0 {
			c.inH = int(h)
		}
		if w := in.Dimensions[3]; w > 0 {
			c.inW = int(w)
		}
	}
	if cfg.InputSize > 0 {
		c.inH, c.inW = cfg.InputSize, cfg.InputSize
	}

	if cfg.EnableWarmup {
		if err := c.Warmup(); err != nil {
			c.Close()
			return nil, fmt.Errorf("warmup: %w", err)
		}
	}
	return c, nil
}

func validateModelPath(modelPath string) error {
	if modelPath == "" {
		return errors.New("empty model path")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return err
	}
	return nil
}

func initializeONNXEnvironment() error {
	if err := setONNXLibraryPath(); err != nil {
		return fmt.Errorf("onnx lib path: %w", err)
	}
	if !onnxrt.IsInitialized() {
		if err := onnxrt.InitializeEnvironment(); err != nil {
			return fmt.Errorf("init onnx: %w", err)
		}
	}
	return nil
}

func modelIOInfo(modelPath string) (onnxrt.InputOutputInfo, onnxrt.InputOutputInfo, error) {
	inputs, outputs, err := onnxrt.GetInputOutputInfo(modelPath)
	if err != nil {
		return onnxrt.InputOutputInfo{}, onnxrt.InputOutputInfo{}, fmt.Errorf("io info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return onnxrt.InputOutputInfo{}, onnxrt.InputOutputInfo{},
			fmt.Errorf("unexpected io (in:%d out:%d)", len(inputs), len(outputs))
	}
	if len(inputs[0].Dimensions) != 4 {
		return onnxrt.InputOutputInfo{}, onnxrt.InputOutputInfo{},
			fmt.Errorf("expected 4D input, got %dD", len(inputs[0].Dimensions))
	}
	return inputs[0], outputs[0], nil
}

func createSessionOptions(cfg Config) (*onnxrt.SessionOptions, error) {
	opts, err := onnxrt.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session opts: %w", err)
	}
	if cfg.NumThreads > 0 {
		_ = opts.SetIntraOpNumThreads(cfg.NumThreads)
	}
	return opts, nil
}

// Close releases the ONNX session.
func (c *ONNXClassifier) Close() {
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			fmt.Fprintf(os.Stderr, "Error destroying session: %v\n", err)
		}
		c.session = nil
	}
}

// Labels returns the class label set in model output order.
func (c *ONNXClassifier) Labels() []string { return c.labels }

// Warmup runs one inference on a blank image.
func (c *ONNXClassifier) Warmup() error {
	h, w := c.inputDims()
	blank := image.NewRGBA(image.Rect(0, 0, w, h))
	_, err := c.Classify(context.Background(), blank, 1)
	return err
}

// Classify runs the model on img and returns the topK predictions.
func (c *ONNXClassifier) Classify(ctx context.Context, img image.Image, topK int) ([]Prediction, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	if c.session == nil {
		return nil, errors.New("classifier is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, cleanupInput, err := c.prepareInputTensor(img)
	if err != nil {
		return nil, err
	}
	defer cleanupInput()

	outputs := []onnxrt.Value{nil}
	if err := c.session.Run([]onnxrt.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				if err := o.Destroy(); err != nil {
					fmt.Fprintf(os.Stderr, "Error destroying output tensor: %v\n", err)
				}
			}
		}
	}()

	logits, err := c.extractLogits(outputs)
	if err != nil {
		return nil, err
	}
	return topPredictions(softmax(logits), c.labels, topK), nil
}

func (c *ONNXClassifier) inputDims() (int, int) {
	h, w := c.inH, c.inW
	if h <= 0 || w <= 0 {
		h, w = 224, 224
	}
	return h, w
}

func (c *ONNXClassifier) prepareInputTensor(img image.Image) (*onnxrt.Tensor[float32], func(), error) {
	h, w := c.inputDims()
	resized := imaging.Resize(img, w, h, imaging.Lanczos)
	data := normalizeNCHW(resized)

	input, err := onnxrt.NewTensor(onnxrt.NewShape(1, 3, int64(h), int64(w)), data)
	if err != nil {
		return nil, nil, fmt.Errorf("tensor: %w", err)
	}
	cleanup := func() {
		if err := input.Destroy(); err != nil {
			fmt.Fprintf(os.Stderr, "Error destroying input tensor: %v\n", err)
		}
	}
	return input, cleanup, nil
}

func (c *ONNXClassifier) extractLogits(outputs []onnxrt.Value) ([]float32, error) {
	t, ok := outputs[0].(*onnxrt.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	shape := t.GetShape()
	if len(shape) != 2 || int(shape[1]) < len(c.labels) {
		return nil, fmt.Errorf("unexpected output shape %v for %d labels", shape, len(c.labels))
	}
	return t.GetData()[:len(c.labels)], nil
}

// normalizeNCHW converts an image to a float32 NCHW tensor with ImageNet
// channel normalization.
func normalizeNCHW(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			data[i] = (float32(r)/65535 - imagenetMean[0]) / imagenetStd[0]
			data[plane+i] = (float32(g)/65535 - imagenetMean[1]) / imagenetStd[1]
			data[2*plane+i] = (float32(bl)/65535 - imagenetMean[2]) / imagenetStd[2]
		}
	}
	return data
}
