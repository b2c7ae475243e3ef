package metrics

import (
	"fmt"
)

// Metric is a running evaluation accumulator: reset once, updated per batch,
// queried once at the end of the run.
type Metric interface {
	Name() string
	Reset()
	// Update scores one batch of logit rows against ground-truth labels.
	Update(logits [][]float32, labels []int64) error
	// Accumulate returns the aggregate score over all updates.
	Accumulate() float64
}

// ForTask returns the evaluation metric for a task. Every CLUE
// classification task is scored by accuracy.
func ForTask(task string) (Metric, error) {
	switch task {
	case "afqmc", "tnews", "iflytek", "ocnli", "cmnli", "cluewsc2020", "csl":
		return &Accuracy{}, nil
	default:
		return nil, fmt.Errorf("no metric registered for task %q", task)
	}
}

// Accuracy counts argmax matches between logit rows and labels.
type Accuracy struct {
	correct int
	total   int
}

func (a *Accuracy) Name() string {
	return "acc"
}

func (a *Accuracy) Reset() {
	a.correct = 0
	a.total = 0
}

func (a *Accuracy) Update(logits [][]float32, labels []int64) error {
	if len(logits) != len(labels) {
		return fmt.Errorf("got %d logit rows for %d labels", len(logits), len(labels))
	}
	for i, row := range logits {
		prediction, err := argMax(row)
		if err != nil {
			return err
		}
		if int64(prediction) == labels[i] {
			a.correct++
		}
		a.total++
	}
	return nil
}

func (a *Accuracy) Accumulate() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

// argMax finds the index of the max value in s.
func argMax(s []float32) (int, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("attempted to calculate argmax of empty slice")
	}
	maxIndex := 0
	maxValue := s[0]
	for i, v := range s {
		if v > maxValue {
			maxValue = v
			maxIndex = i
		}
	}
	return maxIndex, nil
}
