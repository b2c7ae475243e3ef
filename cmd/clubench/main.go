package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/inferlab/clubench"
	"github.com/inferlab/clubench/datasets"
	"github.com/inferlab/clubench/logging"
	"github.com/inferlab/clubench/metrics"
	"github.com/inferlab/clubench/monitoring"
	"github.com/inferlab/clubench/options"
)

var taskName string
var modelType string
var modelPath string
var tokenizerPath string
var dataDir string
var deviceName string
var batchSize int
var maxSeqLength int
var warmupSteps int
var useTensorRT bool
var useInt8 bool
var useCalibration bool
var perfMode bool
var collectShapes bool
var tunedShapes bool
var timeTokenization bool
var sharedLibraryPath string
var intraOpThreads int
var metricsAddr string
var logLevel string
var logFormat string

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Benchmark a compressed classification model on a CLUE dev split",
	Description: `Run loads the dev split of one CLUE task, feeds it through the model in
fixed-size batches and reports either the accuracy over the whole split or
the wall-clock time of a timed pass after warmup.`,
	ArgsUsage: `
				--task: CLUE task to evaluate (afqmc, tnews, iflytek, ocnli, cmnli, cluewsc2020, csl).
				--model: path prefix of the exported model; <prefix>.onnx must exist.
				--tokenizer: directory holding tokenizer.json. Defaults to the model directory.
				--data: directory with one <task>/dev.json per task.
				--device: gpu, cpu or xpu.
				--tensorrt: compile supported subgraphs with the TensorRT execution provider (gpu only).
				--collectShapes / --tunedShapes: record input shape ranges for later tuning, or run with previously recorded ranges. Mutually exclusive.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "task",
			Usage:       "CLUE task name",
			Aliases:     []string{"t"},
			Destination: &taskName,
			Value:       "afqmc",
		},
		&cli.StringFlag{
			Name:        "modelType",
			Usage:       "Model family of the exported graph",
			Destination: &modelType,
			Value:       "ppminilm",
		},
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path prefix of the model artifacts",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "Directory holding tokenizer.json",
			Destination: &tokenizerPath,
		},
		&cli.StringFlag{
			Name:        "data",
			Usage:       "Directory holding the CLUE dev splits",
			Aliases:     []string{"d"},
			Destination: &dataDir,
			Value:       ".",
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "Execution device: gpu, cpu or xpu",
			Destination: &deviceName,
			Value:       "gpu",
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of examples per batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       32,
		},
		&cli.IntFlag{
			Name:        "maxSeqLength",
			Usage:       "Token cap per encoded sequence",
			Destination: &maxSeqLength,
			Value:       128,
		},
		&cli.IntFlag{
			Name:        "warmupSteps",
			Usage:       "Batches run and discarded before the timed pass",
			Destination: &warmupSteps,
			Value:       20,
		},
		&cli.BoolFlag{
			Name:        "tensorrt",
			Usage:       "Enable the TensorRT execution provider",
			Destination: &useTensorRT,
		},
		&cli.BoolFlag{
			Name:        "int8",
			Usage:       "Run the TensorRT engine in int8 precision",
			Destination: &useInt8,
		},
		&cli.BoolFlag{
			Name:        "int8Calibration",
			Usage:       "Use the native int8 calibration table",
			Destination: &useCalibration,
		},
		&cli.BoolFlag{
			Name:        "perf",
			Usage:       "Measure inference time instead of accuracy",
			Destination: &perfMode,
		},
		&cli.BoolFlag{
			Name:        "collectShapes",
			Usage:       "Record observed input shapes to the shape-range file",
			Destination: &collectShapes,
		},
		&cli.BoolFlag{
			Name:        "tunedShapes",
			Usage:       "Load the shape-range file and tune dynamic shapes with it",
			Destination: &tunedShapes,
		},
		&cli.BoolFlag{
			Name:        "timeTokenization",
			Usage:       "Include batch conversion in the timed pass",
			Destination: &timeTokenization,
			Value:       true,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.IntFlag{
			Name:        "intraOpThreads",
			Usage:       "Intra-op thread count for cpu execution, 0 for the runtime default",
			Destination: &intraOpThreads,
		},
		&cli.StringFlag{
			Name:        "metricsAddr",
			Usage:       "Address for the Prometheus /metrics endpoint, empty to disable",
			Destination: &metricsAddr,
		},
		&cli.StringFlag{
			Name:        "logLevel",
			Usage:       "Log level: trace, debug, info, warn, error",
			Destination: &logLevel,
			Value:       "info",
		},
		&cli.StringFlag{
			Name:        "logFormat",
			Usage:       "Log format: auto, console or json",
			Destination: &logFormat,
			Value:       "auto",
		},
	},
	Action: func(ctx *cli.Context) error {
		logging.Setup(logLevel, logFormat)
		if metricsAddr != "" {
			monitoring.Serve(metricsAddr)
		}

		device, err := options.ParseDevice(deviceName)
		if err != nil {
			return err
		}
		if collectShapes && tunedShapes {
			return fmt.Errorf("collectShapes and tunedShapes cannot both be set")
		}
		if (collectShapes || tunedShapes || useInt8) && !useTensorRT {
			return fmt.Errorf("shape handling and int8 require --tensorrt")
		}

		if tokenizerPath == "" {
			tokenizerPath = filepath.Dir(modelPath)
		}

		opts := []options.Option{
			options.WithTask(taskName),
			options.WithModelType(modelType),
			options.WithModelPath(modelPath),
			options.WithTokenizerPath(tokenizerPath),
			options.WithDataDir(dataDir),
			options.WithDevice(device),
			options.WithBatchSize(batchSize),
			options.WithMaxSeqLength(maxSeqLength),
			options.WithWarmupSteps(warmupSteps),
			options.WithTimeTokenization(timeTokenization),
			options.WithIntraOpThreads(intraOpThreads),
			options.WithOnnxLibraryPath(sharedLibraryPath),
		}
		if useTensorRT {
			precision := options.PrecisionFloat32
			if useInt8 {
				precision = options.PrecisionInt8
			}
			mode := options.ShapeOff
			switch {
			case collectShapes:
				mode = options.ShapeCollect
			case tunedShapes:
				mode = options.ShapeTuned
			}
			opts = append(opts, options.WithAcceleration(precision, mode, useCalibration))
		}
		if perfMode {
			opts = append(opts, options.WithPerf())
		}

		cfg, err := options.New(opts...)
		if err != nil {
			return err
		}

		task, err := datasets.TaskByName(cfg.TaskName)
		if err != nil {
			return err
		}
		dataset, err := datasets.LoadDev(cfg.DataDir, task)
		if err != nil {
			return err
		}
		metric, err := metrics.ForTask(cfg.TaskName)
		if err != nil {
			return err
		}

		predictor, err := clubench.NewPredictor(cfg)
		if err != nil {
			return err
		}

		report, runErr := predictor.Run(dataset, metric)
		closeErr := predictor.Close()
		if runErr != nil {
			return runErr
		}
		if closeErr != nil {
			return closeErr
		}
		fmt.Println(report)
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:     "clubench",
		Usage:    "Accuracy and latency benchmarks for compressed CLUE classifiers",
		Commands: []*cli.Command{runCommand},
	}
	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}
