// Package clubench drives batch inference and benchmarking of a compressed
// text-classification model over CLUE dev sets. The predictor is a thin
// facade over the onnxruntime engine: convert a batch, run it, and feed the
// result to either an accuracy accumulator or a wall-clock timer.
package clubench

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inferlab/clubench/datasets"
	"github.com/inferlab/clubench/engines"
	"github.com/inferlab/clubench/metrics"
	"github.com/inferlab/clubench/monitoring"
	"github.com/inferlab/clubench/options"
)

// Runner executes forward passes on encoded batches. *engines.Engine is the
// production implementation.
type Runner interface {
	RunBatch(*engines.EncodedBatch) ([][]float32, error)
	Close() error
}

// Encoder tokenizes one example. *engines.Tokenizer is the production
// implementation.
type Encoder interface {
	Encode(textA, textB string, maxLength int) (*engines.Encoded, error)
}

// Predictor owns the engine handle for the whole run. It is single-threaded:
// conversion of batch N+1 never overlaps with batch N's inference.
type Predictor struct {
	cfg       *options.Config
	engine    Runner
	encoder   Encoder
	batchify  *engines.Batchifier
	collector *engines.ShapeRangeCollector
}

// NewPredictor builds the engine and tokenizer for the configured run. The
// device choice travels with the returned predictor's config snapshot; there
// is no process-wide device state.
func NewPredictor(cfg *options.Config) (*Predictor, error) {
	task, err := datasets.TaskByName(cfg.TaskName)
	if err != nil {
		return nil, err
	}

	engine, err := engines.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	tok, err := engines.LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", errors.Join(err, engine.Close()))
	}

	kind := engines.LabelInt64
	if len(task.Labels) == 0 {
		kind = engines.LabelFloat32
	}
	return newPredictor(cfg, engine, tok, engines.NewBatchifier(tok.PadTokenID, tok.PadTypeID, kind)), nil
}

func newPredictor(cfg *options.Config, engine Runner, encoder Encoder, batchify *engines.Batchifier) *Predictor {
	p := &Predictor{
		cfg:      cfg,
		engine:   engine,
		encoder:  encoder,
		batchify: batchify,
	}
	if cfg.ShapeMode() == options.ShapeCollect {
		names := []string{"input_ids", "token_type_ids"}
		if e, ok := engine.(*engines.Engine); ok {
			names = e.InputNames()
		}
		p.collector = engines.NewShapeRangeCollector(names...)
	}
	return p
}

// Report is the outcome of one run: an accuracy score or an elapsed time,
// never both.
type Report struct {
	TaskName string
	Mode     string
	Batches  int
	Examples int
	Accuracy float64
	Elapsed  time.Duration
}

func (r *Report) String() string {
	if r.Mode == "performance" {
		return fmt.Sprintf("task name: %s, time: %v", r.TaskName, r.Elapsed.Seconds())
	}
	return fmt.Sprintf("task name: %s, acc: %v", r.TaskName, r.Accuracy)
}

// Run executes exactly one of the two modes, selected once by the config.
func (p *Predictor) Run(dataset *datasets.Dataset, metric metrics.Metric) (*Report, error) {
	if p.cfg.Perf {
		return p.PredictPerf(dataset)
	}
	return p.Predict(dataset, metric)
}

// Predict runs every batch through the engine and accumulates the task
// metric over the logits.
func (p *Predictor) Predict(dataset *datasets.Dataset, metric metrics.Metric) (*Report, error) {
	batches := dataset.Batches(p.cfg.BatchSize)
	metric.Reset()
	for i, examples := range batches {
		batch, err := p.convertBatch(examples)
		if err != nil {
			return nil, fmt.Errorf("converting batch %d: %w", i, err)
		}
		logits, err := p.RunBatch(batch)
		if err != nil {
			return nil, fmt.Errorf("running batch %d: %w", i, err)
		}
		if err := metric.Update(logits, batch.LabelsInt); err != nil {
			return nil, fmt.Errorf("scoring batch %d: %w", i, err)
		}
		monitoring.InferenceBatchesTotal.WithLabelValues("accuracy").Inc()
		log.Debug().Int("batch", i).Int("size", batch.Size).Int("maxLength", batch.MaxLength).Msg("batch scored")
	}
	if err := p.flushShapes(); err != nil {
		return nil, err
	}
	report := &Report{
		TaskName: p.cfg.TaskName,
		Mode:     "accuracy",
		Batches:  len(batches),
		Examples: dataset.Len(),
		Accuracy: metric.Accumulate(),
	}
	log.Info().Str("task", report.TaskName).Int("batches", report.Batches).Float64(metric.Name(), report.Accuracy).Msg("accuracy run finished")
	return report, nil
}

// PredictPerf runs warmup batches with results discarded, then times a full
// pass over all batches. When the warmup step count exceeds the number of
// batches, warmup simply consumes every batch and the timed pass still
// covers the full dataset.
func (p *Predictor) PredictPerf(dataset *datasets.Dataset) (*Report, error) {
	batches := dataset.Batches(p.cfg.BatchSize)
	for i, examples := range batches {
		if i >= p.cfg.WarmupSteps {
			break
		}
		batch, err := p.convertBatch(examples)
		if err != nil {
			return nil, fmt.Errorf("converting warmup batch %d: %w", i, err)
		}
		if _, err := p.RunBatch(batch); err != nil {
			return nil, fmt.Errorf("running warmup batch %d: %w", i, err)
		}
		monitoring.InferenceBatchesTotal.WithLabelValues("warmup").Inc()
	}

	// The timed pass re-converts every batch; nothing is carried over from
	// the warmup loop. TimeTokenization selects whether the clock covers
	// conversion as well as inference.
	var elapsed time.Duration
	if p.cfg.TimeTokenization {
		start := time.Now()
		if err := p.timedPass(batches); err != nil {
			return nil, err
		}
		elapsed = time.Since(start)
	} else {
		for i, examples := range batches {
			batch, err := p.convertBatch(examples)
			if err != nil {
				return nil, fmt.Errorf("converting batch %d: %w", i, err)
			}
			start := time.Now()
			_, err = p.RunBatch(batch)
			elapsed += time.Since(start)
			if err != nil {
				return nil, fmt.Errorf("running batch %d: %w", i, err)
			}
			monitoring.InferenceBatchesTotal.WithLabelValues("timed").Inc()
		}
	}

	if err := p.flushShapes(); err != nil {
		return nil, err
	}
	report := &Report{
		TaskName: p.cfg.TaskName,
		Mode:     "performance",
		Batches:  len(batches),
		Examples: dataset.Len(),
		Elapsed:  elapsed,
	}
	log.Info().Str("task", report.TaskName).Int("batches", report.Batches).Dur("elapsed", report.Elapsed).Msg("performance run finished")
	return report, nil
}

func (p *Predictor) timedPass(batches [][]datasets.Example) error {
	for i, examples := range batches {
		batch, err := p.convertBatch(examples)
		if err != nil {
			return fmt.Errorf("converting batch %d: %w", i, err)
		}
		if _, err := p.RunBatch(batch); err != nil {
			return fmt.Errorf("running batch %d: %w", i, err)
		}
		monitoring.InferenceBatchesTotal.WithLabelValues("timed").Inc()
	}
	return nil
}

// RunBatch feeds one encoded batch to the engine. The returned logit rows
// alias the engine's scratch buffer and are overwritten by the next call.
func (p *Predictor) RunBatch(batch *engines.EncodedBatch) ([][]float32, error) {
	start := time.Now()
	logits, err := p.engine.RunBatch(batch)
	monitoring.InferenceDuration.Observe(time.Since(start).Seconds())
	monitoring.BatchSequenceLength.Observe(float64(batch.MaxLength))
	if p.collector != nil {
		p.collector.Observe(batch.Size, batch.MaxLength)
	}
	return logits, err
}

func (p *Predictor) convertBatch(examples []datasets.Example) (*engines.EncodedBatch, error) {
	start := time.Now()
	encoded := make([]engines.Encoded, len(examples))
	for i, example := range examples {
		enc, err := p.encoder.Encode(example.TextA, example.TextB, p.cfg.MaxSeqLength)
		if err != nil {
			return nil, err
		}
		enc.Label = example.Label
		encoded[i] = *enc
	}
	batch := p.batchify.Batchify(encoded)
	monitoring.TokenizeDuration.Observe(time.Since(start).Seconds())
	return batch, nil
}

// flushShapes writes the shape-range calibration file when the run collected
// shapes.
func (p *Predictor) flushShapes() error {
	if p.collector == nil {
		return nil
	}
	path := p.cfg.ShapeRangeFile()
	if err := p.collector.WriteFile(path); err != nil {
		return fmt.Errorf("writing shape range file: %w", err)
	}
	log.Info().Str("path", path).Msg("shape range info collected")
	return nil
}

// Close releases the engine and the runtime environment.
func (p *Predictor) Close() error {
	return p.engine.Close()
}
