package engines

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/inferlab/clubench/options"
	"github.com/inferlab/clubench/util/fileutil"
)

// gpuMemoryPoolBytes is the initial device memory pool provisioned when the
// gpu device is selected.
const gpuMemoryPoolBytes = 100 << 20

// Engine wraps a ready onnxruntime session together with its named input and
// output tensor handles. It is owned by a single predictor and must not be
// shared across goroutines.
type Engine struct {
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
	outputDim   int
	// logits is the scratch output buffer, overwritten on every RunBatch.
	logits  []float32
	destroy func() error
}

// NewEngine builds an inference engine for the configured device, optionally
// with the graph-compiling acceleration mode. Any missing artifact or
// unsupported configuration is returned as an error; nothing is retried.
func NewEngine(cfg *options.Config) (*Engine, error) {
	graphFile := cfg.GraphFile()
	exists, err := fileutil.FileExists(graphFile)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("model graph %s does not exist", graphFile)
	}

	environmentDestroy := func() error { return nil }
	if !ort.IsInitialized() {
		if cfg.OnnxLibraryPath != "" {
			libExists, libErr := fileutil.FileExists(cfg.OnnxLibraryPath)
			if libErr != nil {
				return nil, libErr
			}
			if !libExists {
				return nil, fmt.Errorf("cannot find the onnxruntime library at: %s", cfg.OnnxLibraryPath)
			}
			ort.SetSharedLibraryPath(cfg.OnnxLibraryPath)
		}
		if envErr := ort.InitializeEnvironment(); envErr != nil {
			return nil, envErr
		}
		environmentDestroy = ort.DestroyEnvironment
	}

	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return nil, errors.Join(optionsError, environmentDestroy())
	}

	if err := applyDeviceOptions(sessionOptions, cfg); err != nil {
		return nil, errors.Join(err, sessionOptions.Destroy(), environmentDestroy())
	}
	if cfg.Accel != nil {
		if err := applyAcceleration(sessionOptions, cfg); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy(), environmentDestroy())
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(graphFile)
	if err != nil {
		return nil, errors.Join(err, sessionOptions.Destroy(), environmentDestroy())
	}

	engine := &Engine{}
	for _, input := range inputs {
		switch input.Name {
		case "input_ids", "token_type_ids", "attention_mask":
			engine.inputNames = append(engine.inputNames, input.Name)
		default:
			return nil, errors.Join(
				fmt.Errorf("input %s not recognized", input.Name),
				sessionOptions.Destroy(), environmentDestroy())
		}
	}
	for _, output := range outputs {
		engine.outputNames = append(engine.outputNames, output.Name)
	}
	if len(outputs) == 0 {
		return nil, errors.Join(
			fmt.Errorf("model %s declares no outputs", graphFile),
			sessionOptions.Destroy(), environmentDestroy())
	}
	dims := outputs[0].Dimensions
	if len(dims) != 2 || dims[1] <= 0 {
		return nil, errors.Join(
			fmt.Errorf("expected a [batch, classes] logits output, got %v", dims),
			sessionOptions.Destroy(), environmentDestroy())
	}
	engine.outputDim = int(dims[1])

	session, errSession := ort.NewDynamicAdvancedSession(
		graphFile,
		engine.inputNames,
		engine.outputNames,
		sessionOptions,
	)
	if errSession != nil {
		return nil, errors.Join(errSession, sessionOptions.Destroy(), environmentDestroy())
	}

	engine.session = session
	engine.destroy = func() error {
		return errors.Join(session.Destroy(), sessionOptions.Destroy(), environmentDestroy())
	}
	return engine, nil
}

func applyDeviceOptions(sessionOptions *ort.SessionOptions, cfg *options.Config) error {
	switch cfg.Device {
	case options.DeviceCPU:
		if cfg.IntraOpThreads > 0 {
			if err := sessionOptions.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
				return err
			}
		}
		return nil
	case options.DeviceGPU:
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return optErr
		}
		optErr = cudaOptions.Update(map[string]string{
			"device_id":     "0",
			"gpu_mem_limit": strconv.Itoa(gpuMemoryPoolBytes),
		})
		if optErr != nil {
			return optErr
		}
		return sessionOptions.AppendExecutionProviderCUDA(cudaOptions)
	case options.DeviceXPU:
		return sessionOptions.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type": "AUTO",
		})
	default:
		return fmt.Errorf("device %s not supported", cfg.Device)
	}
}

// applyAcceleration enables the TensorRT execution provider. In tuned shape
// mode the previously collected shape-range file provides the dynamic-shape
// optimization profile; in collection mode no profile is set and the
// predictor records observed shapes instead.
func applyAcceleration(sessionOptions *ort.SessionOptions, cfg *options.Config) error {
	accel := cfg.Accel
	providerOptions := map[string]string{
		"device_id":               "0",
		"trt_max_workspace_size":  strconv.FormatInt(accel.WorkspaceSize, 10),
		"trt_min_subgraph_size":   strconv.Itoa(accel.MinSubgraphSize),
		"trt_engine_cache_enable": "1",
		"trt_engine_cache_path":   filepath.Dir(cfg.ModelPath),
	}
	if accel.Precision == options.PrecisionInt8 {
		providerOptions["trt_int8_enable"] = "1"
		if accel.UseCalibration {
			providerOptions["trt_int8_use_native_calibration_table"] = "1"
		}
	}
	if accel.ShapeMode == options.ShapeTuned {
		ranges, err := ReadShapeRangeFile(cfg.ShapeRangeFile())
		if err != nil {
			return err
		}
		providerOptions["trt_profile_min_shapes"] = profileShapes(ranges, func(r ShapeRange) []int64 { return r.Min })
		providerOptions["trt_profile_opt_shapes"] = profileShapes(ranges, func(r ShapeRange) []int64 { return r.Opt })
		providerOptions["trt_profile_max_shapes"] = profileShapes(ranges, func(r ShapeRange) []int64 { return r.Max })
	}

	tensorRTOptions, optErr := ort.NewTensorRTProviderOptions()
	if optErr != nil {
		return optErr
	}
	if optErr = tensorRTOptions.Update(providerOptions); optErr != nil {
		return optErr
	}
	return sessionOptions.AppendExecutionProviderTensorRT(tensorRTOptions)
}

// InputNames lists the engine's named input tensors in graph order.
func (e *Engine) InputNames() []string {
	return e.inputNames
}

// RunBatch executes one forward pass. The returned logit rows alias a scratch
// buffer that is overwritten by the next call; copy them to retain them.
func (e *Engine) RunBatch(batch *EncodedBatch) (rows [][]float32, err error) {
	inputTensors := make([]ort.Value, len(e.inputNames))
	defer func() {
		for _, tensor := range inputTensors {
			if tensor != nil {
				err = errors.Join(err, tensor.Destroy())
			}
		}
	}()

	shape := ort.NewShape(int64(batch.Size), int64(batch.MaxLength))
	for i, name := range e.inputNames {
		var backing []int64
		switch name {
		case "input_ids":
			backing = batch.InputIDs
		case "token_type_ids":
			backing = batch.TypeIDs
		case "attention_mask":
			backing = batch.AttentionMask()
		}
		inputTensors[i], err = ort.NewTensor(shape, backing)
		if err != nil {
			return nil, err
		}
	}

	outputTensor, errTensor := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch.Size), int64(e.outputDim)))
	if errTensor != nil {
		return nil, errTensor
	}
	defer func() {
		err = errors.Join(err, outputTensor.Destroy())
	}()

	errRun := e.session.Run(inputTensors, []ort.Value{outputTensor})
	if errRun != nil {
		return nil, errRun
	}

	needed := batch.Size * e.outputDim
	if cap(e.logits) < needed {
		e.logits = make([]float32, needed)
	}
	e.logits = e.logits[:needed]
	copy(e.logits, outputTensor.GetData())

	rows = make([][]float32, batch.Size)
	for i := range rows {
		rows[i] = e.logits[i*e.outputDim : (i+1)*e.outputDim]
	}
	return rows, err
}

// Close releases the session, its options and the runtime environment.
func (e *Engine) Close() error {
	if e.destroy == nil {
		return nil
	}
	destroy := e.destroy
	e.destroy = nil
	return destroy()
}
