package options

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Device selects the execution backend for the inference engine. Exactly one
// device is active per run.
type Device int

const (
	DeviceCPU Device = iota
	DeviceGPU
	DeviceXPU
)

func (d Device) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	case DeviceXPU:
		return "xpu"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// ParseDevice converts a CLI device name into a Device.
func ParseDevice(name string) (Device, error) {
	switch strings.ToLower(name) {
	case "cpu":
		return DeviceCPU, nil
	case "gpu":
		return DeviceGPU, nil
	case "xpu":
		return DeviceXPU, nil
	default:
		return DeviceCPU, fmt.Errorf("device %q not supported, expected one of: gpu, cpu, xpu", name)
	}
}

// Precision is the numeric precision of the accelerated engine.
type Precision int

const (
	PrecisionFloat32 Precision = iota
	PrecisionInt8
)

func (p Precision) String() string {
	if p == PrecisionInt8 {
		return "int8"
	}
	return "float32"
}

// ShapeMode selects how dynamic input shapes are handled by the accelerated
// engine. Collection and tuned execution are mutually exclusive per run.
type ShapeMode int

const (
	// ShapeOff runs the engine without any shape-range handling.
	ShapeOff ShapeMode = iota
	// ShapeCollect records the input shapes observed during the run and
	// writes them to the shape-range file afterwards.
	ShapeCollect
	// ShapeTuned loads a previously collected shape-range file and enables
	// dynamic-shape optimization with the recorded ranges.
	ShapeTuned
)

func (m ShapeMode) String() string {
	switch m {
	case ShapeCollect:
		return "collect"
	case ShapeTuned:
		return "tuned"
	default:
		return "off"
	}
}

// Acceleration configures the graph-compiling engine (TensorRT execution
// provider). A nil Acceleration on the Config means the plain device session
// is used.
type Acceleration struct {
	Precision      Precision
	ShapeMode      ShapeMode
	UseCalibration bool
	// WorkspaceSize is the compiler scratch space in bytes.
	WorkspaceSize int64
	// MinSubgraphSize is the smallest subgraph handed to the compiler.
	MinSubgraphSize int
}

// Config is the immutable settings record for one benchmark run. Build it
// with New and the With options; it is never mutated afterwards.
type Config struct {
	TaskName      string
	ModelType     string
	ModelPath     string // artifact path prefix, <ModelPath>.onnx must exist
	TokenizerPath string // directory holding tokenizer.json
	DataDir       string
	Device        Device
	BatchSize     int
	MaxSeqLength  int
	WarmupSteps   int
	Accel         *Acceleration
	Perf          bool
	// TimeTokenization controls whether the timed pass of a performance run
	// includes batch conversion cost, or only the forward passes.
	TimeTokenization bool
	IntraOpThreads   int
	// OnnxLibraryPath optionally points at the onnxruntime shared library.
	OnnxLibraryPath string
}

// Option mutates a Config during construction.
type Option func(c *Config) error

// New builds a validated Config. Defaults: afqmc task, batch size 32,
// sequence cap 128, 20 warmup steps.
func New(opts ...Option) (*Config, error) {
	c := &Config{
		TaskName:         "afqmc",
		ModelType:        "ppminilm",
		Device:           DeviceGPU,
		BatchSize:        32,
		MaxSeqLength:     128,
		WarmupSteps:      20,
		TimeTokenization: true,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.TaskName == "" {
		return fmt.Errorf("a task name is required")
	}
	if c.ModelPath == "" {
		return fmt.Errorf("a model path prefix is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxSeqLength <= 0 {
		return fmt.Errorf("max sequence length must be positive, got %d", c.MaxSeqLength)
	}
	if c.WarmupSteps < 0 {
		return fmt.Errorf("warmup steps cannot be negative, got %d", c.WarmupSteps)
	}
	if c.Accel != nil && c.Device != DeviceGPU {
		return fmt.Errorf("acceleration requires the gpu device, got %s", c.Device)
	}
	return nil
}

// ShapeRangeFile is the shape-range calibration file for this run, located
// alongside the model artifacts.
func (c *Config) ShapeRangeFile() string {
	return filepath.Join(filepath.Dir(c.ModelPath), c.TaskName+"_shape_range_info.pbtxt")
}

// GraphFile is the serialized model graph.
func (c *Config) GraphFile() string {
	return c.ModelPath + ".onnx"
}

// ShapeMode reports the effective shape-handling mode; ShapeOff when
// acceleration is disabled.
func (c *Config) ShapeMode() ShapeMode {
	if c.Accel == nil {
		return ShapeOff
	}
	return c.Accel.ShapeMode
}

func WithTask(name string) Option {
	return func(c *Config) error {
		c.TaskName = strings.ToLower(name)
		return nil
	}
}

func WithModelType(name string) Option {
	return func(c *Config) error {
		c.ModelType = strings.ToLower(name)
		return nil
	}
}

func WithModelPath(prefix string) Option {
	return func(c *Config) error {
		c.ModelPath = prefix
		return nil
	}
}

func WithTokenizerPath(dir string) Option {
	return func(c *Config) error {
		c.TokenizerPath = dir
		return nil
	}
}

func WithDataDir(dir string) Option {
	return func(c *Config) error {
		c.DataDir = dir
		return nil
	}
}

func WithDevice(d Device) Option {
	return func(c *Config) error {
		c.Device = d
		return nil
	}
}

func WithBatchSize(n int) Option {
	return func(c *Config) error {
		c.BatchSize = n
		return nil
	}
}

func WithMaxSeqLength(n int) Option {
	return func(c *Config) error {
		c.MaxSeqLength = n
		return nil
	}
}

func WithWarmupSteps(n int) Option {
	return func(c *Config) error {
		c.WarmupSteps = n
		return nil
	}
}

// WithAcceleration enables the graph-compiling engine with a 1GiB compiler
// workspace and a minimum subgraph size of 5 nodes.
func WithAcceleration(precision Precision, mode ShapeMode, useCalibration bool) Option {
	return func(c *Config) error {
		c.Accel = &Acceleration{
			Precision:       precision,
			ShapeMode:       mode,
			UseCalibration:  useCalibration,
			WorkspaceSize:   1 << 30,
			MinSubgraphSize: 5,
		}
		return nil
	}
}

func WithPerf() Option {
	return func(c *Config) error {
		c.Perf = true
		return nil
	}
}

func WithTimeTokenization(enabled bool) Option {
	return func(c *Config) error {
		c.TimeTokenization = enabled
		return nil
	}
}

func WithIntraOpThreads(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("intra-op thread count cannot be negative, got %d", n)
		}
		c.IntraOpThreads = n
		return nil
	}
}

func WithOnnxLibraryPath(path string) Option {
	return func(c *Config) error {
		c.OnnxLibraryPath = path
		return nil
	}
}
