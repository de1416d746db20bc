// Package modnet runs a MODNet-style portrait matting model with TensorFlow
// Lite and implements segmentation.Engine.
package modnet

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/framebuffer"
	"github.com/tphakala/lightfield/internal/logger"
	"github.com/tphakala/lightfield/internal/segmentation"
)

// Config configures the engine.
type Config struct {
	ModelPath string
	Threads   int
	// InputSize resizes a dynamic input tensor to InputSize x InputSize.
	// Zero keeps the model's own input shape.
	InputSize int
	XNNPACK   bool
}

// Engine owns one interpreter. Items in a batch run one after another.
type Engine struct {
	mu      sync.Mutex
	model   *tflite.Model
	options *tflite.InterpreterOptions
	interp  *tflite.Interpreter
	inW     int
	inH     int
	input   []float32
	log     logger.Logger
}

var _ segmentation.Engine = (*Engine)(nil)

// New loads the model and allocates tensors.
func New(cfg Config) (*Engine, error) {
	start := time.Now()
	log := GetLogger()

	data, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		return nil, errors.New(err).
			Component("modnet").
			Category(errors.CategoryFileIO).
			FileContext(cfg.ModelPath).
			Build()
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, errors.Newf("cannot load TensorFlow Lite model").
			Component("modnet").
			Category(errors.CategoryInference).
			FileContext(cfg.ModelPath).
			Context("model_size_mb", len(data)/1024/1024).
			Build()
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = max(1, runtime.NumCPU()/2)
	}
	options := tflite.NewInterpreterOptions()
	if cfg.XNNPACK {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(threads)}) //nolint:gosec // G115: bounded by CPU count
		if delegate == nil {
			log.Warn("failed to create XNNPACK delegate, falling back to default CPU")
			options.SetNumThread(threads)
		} else {
			options.AddDelegate(delegate)
			options.SetNumThread(1)
		}
	} else {
		options.SetNumThread(threads)
	}
	options.SetErrorReporter(func(msg string, _ any) {
		GetLogger().Error("TFLite error", logger.String("message", msg))
	}, nil)

	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		options.Delete()
		model.Delete()
		return nil, errors.Newf("cannot create interpreter").
			Component("modnet").
			Category(errors.CategoryInference).
			Build()
	}

	e := &Engine{model: model, options: options, interp: interp, log: log}
	if cfg.InputSize > 0 {
		size := int32(cfg.InputSize) //nolint:gosec // G115: validated by conf
		if status := interp.ResizeInputTensor(0, []int32{1, size, size, 3}); status != tflite.OK {
			_ = e.Close()
			return nil, errors.Newf("input resize to %d failed: %v", cfg.InputSize, status).
				Component("modnet").
				Category(errors.CategoryInference).
				Build()
		}
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		_ = e.Close()
		return nil, errors.Newf("tensor allocation failed: %v", status).
			Component("modnet").
			Category(errors.CategoryInference).
			Build()
	}

	in := interp.GetInputTensor(0)
	if in == nil || in.NumDims() != 4 || in.Dim(3) != 3 {
		_ = e.Close()
		return nil, errors.Newf("unexpected model input shape").
			Component("modnet").
			Category(errors.CategoryInference).
			Build()
	}
	e.inH, e.inW = in.Dim(1), in.Dim(2)

	log.Info("matting model loaded",
		logger.String("model", cfg.ModelPath),
		logger.Int("input_width", e.inW),
		logger.Int("input_height", e.inH),
		logger.Int("threads", threads),
		logger.Bool("xnnpack", cfg.XNNPACK),
		logger.Duration("load_time", time.Since(start)))
	return e, nil
}

// SubmitBatch runs every item through the model. A failing item does not
// fail the batch; a cancelled context does.
func (e *Engine) SubmitBatch(ctx context.Context, items []segmentation.Item) ([]segmentation.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.interp == nil {
		return nil, errors.Newf("engine closed").
			Component("modnet").
			Category(errors.CategoryState).
			Build()
	}

	results := make([]segmentation.Result, len(items))
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(err).
				Component("modnet").
				Category(errors.CategoryCancellation).
				Build()
		}
		mask, err := e.infer(it.Frame)
		results[i] = segmentation.Result{StreamID: it.StreamID, Mask: mask, Err: err}
	}
	return results, nil
}

func (e *Engine) infer(frame framebuffer.Frame) (*framebuffer.Mask, error) {
	in := e.interp.GetInputTensor(0)
	if in == nil {
		return nil, inferenceError("cannot get input tensor")
	}
	e.input = fillInput(e.input, frame, e.inW, e.inH)
	copy(in.Float32s(), e.input)

	if status := e.interp.Invoke(); status != tflite.OK {
		return nil, inferenceError(fmt.Sprintf("tensor invoke failed: %v", status))
	}

	out := e.interp.GetOutputTensor(0)
	if out == nil {
		return nil, inferenceError("cannot get output tensor")
	}
	oh, ow := e.inH, e.inW
	if out.NumDims() == 4 {
		oh, ow = out.Dim(1), out.Dim(2)
	}
	return maskFromOutput(out.Float32s(), ow, oh, frame), nil
}

func inferenceError(msg string) error {
	return errors.Newf("%s", msg).
		Component("modnet").
		Category(errors.CategoryInference).
		Build()
}

// Close releases the interpreter and model.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interp != nil {
		e.interp.Delete()
		e.interp = nil
	}
	if e.options != nil {
		e.options.Delete()
		e.options = nil
	}
	if e.model != nil {
		e.model.Delete()
		e.model = nil
	}
	return nil
}
