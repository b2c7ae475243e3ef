package clubench

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferlab/clubench/datasets"
	"github.com/inferlab/clubench/engines"
	"github.com/inferlab/clubench/metrics"
	"github.com/inferlab/clubench/options"
)

// echoRunner produces logits whose argmax matches the batch labels, except
// for rows marked wrong by wrongEvery.
type echoRunner struct {
	calls      int
	rows       int
	wrongEvery int
	closed     bool
}

func (r *echoRunner) RunBatch(batch *engines.EncodedBatch) ([][]float32, error) {
	r.calls++
	logits := make([][]float32, batch.Size)
	for i := range logits {
		row := make([]float32, 2)
		label := batch.LabelsInt[i]
		if r.wrongEvery > 0 && r.rows%r.wrongEvery == 0 {
			label = 1 - label
		}
		row[label] = 1
		logits[i] = row
		r.rows++
	}
	return logits, nil
}

func (r *echoRunner) Close() error {
	r.closed = true
	return nil
}

type runeEncoder struct{}

func (runeEncoder) Encode(textA, textB string, maxLength int) (*engines.Encoded, error) {
	length := len([]rune(textA)) + len([]rune(textB)) + 2
	if length > maxLength {
		length = maxLength
	}
	enc := &engines.Encoded{
		TokenIDs: make([]int64, length),
		TypeIDs:  make([]int64, length),
	}
	for i := range enc.TokenIDs {
		enc.TokenIDs[i] = int64(i + 1)
	}
	return enc, nil
}

func testConfig(t *testing.T, opts ...options.Option) *options.Config {
	t.Helper()
	base := []options.Option{
		options.WithModelPath(filepath.Join(t.TempDir(), "pruned")),
		options.WithBatchSize(32),
	}
	cfg, err := options.New(append(base, opts...)...)
	require.NoError(t, err)
	return cfg
}

func testDataset(n int) *datasets.Dataset {
	dataset := &datasets.Dataset{}
	for i := 0; i < n; i++ {
		dataset.Examples = append(dataset.Examples, datasets.Example{
			TextA: fmt.Sprintf("example text %d", i),
			Label: float64(i % 2),
		})
	}
	return dataset
}

func TestPredictAccuracy(t *testing.T) {
	cfg := testConfig(t)
	runner := &echoRunner{}
	p := newPredictor(cfg, runner, runeEncoder{}, engines.NewBatchifier(0, 0, engines.LabelInt64))

	report, err := p.Predict(testDataset(65), &metrics.Accuracy{})
	require.NoError(t, err)

	assert.Equal(t, 3, runner.calls)
	assert.Equal(t, "accuracy", report.Mode)
	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, 65, report.Examples)
	assert.Equal(t, 1.0, report.Accuracy)
	assert.Equal(t, "task name: afqmc, acc: 1", report.String())
}

func TestPredictAccuracyWithErrors(t *testing.T) {
	cfg := testConfig(t, options.WithBatchSize(10))
	runner := &echoRunner{wrongEvery: 2}
	p := newPredictor(cfg, runner, runeEncoder{}, engines.NewBatchifier(0, 0, engines.LabelInt64))

	report, err := p.Predict(testDataset(100), &metrics.Accuracy{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, report.Accuracy)
}

func TestRunModeExclusive(t *testing.T) {
	accuracyRunner := &echoRunner{}
	p := newPredictor(testConfig(t), accuracyRunner, runeEncoder{}, engines.NewBatchifier(0, 0, engines.LabelInt64))
	report, err := p.Run(testDataset(10), &metrics.Accuracy{})
	require.NoError(t, err)
	assert.Equal(t, "accuracy", report.Mode)
	assert.Zero(t, report.Elapsed)

	perfRunner := &echoRunner{}
	p = newPredictor(testConfig(t, options.WithPerf(), options.WithWarmupSteps(0)), perfRunner, runeEncoder{}, engines.NewBatchifier(0, 0, engines.LabelInt64))
	report, err = p.Run(testDataset(10), &metrics.Accuracy{})
	require.NoError(t, err)
	assert.Equal(t, "performance", report.Mode)
	assert.Zero(t, report.Accuracy)
}

func TestPredictPerfWarmup(t *testing.T) {
	cfg := testConfig(t, options.WithPerf(), options.WithBatchSize(10), options.WithWarmupSteps(2))
	runner := &echoRunner{}
	p := newPredictor(cfg, runner, runeEncoder{}, engines.NewBatchifier(0, 0, engines.LabelInt64))

	// 5 batches: 2 warmup plus a timed pass over all 5
	report, err := p.PredictPerf(testDataset(50))
	require.NoError(t, err)
	assert.Equal(t, 7, runner.calls)
	assert.Equal(t, 5, report.Batches)
	assert.Equal(t, "performance", report.Mode)
}

func TestPredictPerfWarmupExceedsBatches(t *testing.T) {
	cfg := testConfig(t, options.WithPerf(), options.WithBatchSize(1), options.WithWarmupSteps(20))
	runner := &echoRunner{}
	p := newPredictor(cfg, runner, runeEncoder{}, engines.NewBatchifier(0, 0, engines.LabelInt64))

	// warmup consumes all 10 batches, the timed pass still covers all 10
	report, err := p.PredictPerf(testDataset(10))
	require.NoError(t, err)
	assert.Equal(t, 20, runner.calls)
	assert.Equal(t, 10, report.Batches)
}

func TestPredictPerfInferenceOnlyTiming(t *testing.T) {
	cfg := testConfig(t, options.WithPerf(), options.WithBatchSize(10), options.WithWarmupSteps(0), options.WithTimeTokenization(false))
	runner := &echoRunner{}
	p := newPredictor(cfg, runner, runeEncoder{}, engines.NewBatchifier(0, 0, engines.LabelInt64))

	report, err := p.PredictPerf(testDataset(30))
	require.NoError(t, err)
	assert.Equal(t, 3, runner.calls)
	assert.Equal(t, 3, report.Batches)
}

func TestShapeCollection(t *testing.T) {
	cfg := testConfig(t,
		options.WithBatchSize(32),
		options.WithAcceleration(options.PrecisionFloat32, options.ShapeCollect, false),
	)
	runner := &echoRunner{}
	p := newPredictor(cfg, runner, runeEncoder{}, engines.NewBatchifier(0, 0, engines.LabelInt64))

	_, err := p.Predict(testDataset(65), &metrics.Accuracy{})
	require.NoError(t, err)

	ranges, err := engines.ReadShapeRangeFile(cfg.ShapeRangeFile())
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	assert.Equal(t, "input_ids", ranges[0].Name)
	assert.Equal(t, "token_type_ids", ranges[1].Name)
	// final remainder batch of one short example gives the minimum envelope
	assert.Equal(t, int64(1), ranges[0].Min[0])
	assert.Equal(t, int64(32), ranges[0].Max[0])
}

func TestNoShapeFileWithoutCollection(t *testing.T) {
	cfg := testConfig(t)
	p := newPredictor(cfg, &echoRunner{}, runeEncoder{}, engines.NewBatchifier(0, 0, engines.LabelInt64))

	_, err := p.Predict(testDataset(10), &metrics.Accuracy{})
	require.NoError(t, err)

	_, err = engines.ReadShapeRangeFile(cfg.ShapeRangeFile())
	assert.Error(t, err)
}

func TestPredictorClose(t *testing.T) {
	runner := &echoRunner{}
	p := newPredictor(testConfig(t), runner, runeEncoder{}, engines.NewBatchifier(0, 0, engines.LabelInt64))
	require.NoError(t, p.Close())
	assert.True(t, runner.closed)
}

func TestReportString(t *testing.T) {
	accuracy := &Report{TaskName: "tnews", Mode: "accuracy", Accuracy: 0.5}
	assert.Equal(t, "task name: tnews, acc: 0.5", accuracy.String())

	perf := &Report{TaskName: "tnews", Mode: "performance"}
	assert.Contains(t, perf.String(), "task name: tnews, time: ")
}
