package datasets

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskByName(t *testing.T) {
	task, err := TaskByName("AFQMC")
	require.NoError(t, err)
	assert.Equal(t, "afqmc", task.Name)

	_, err = TaskByName("sst2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "afqmc, cluewsc2020, cmnli, csl, iflytek, ocnli, tnews")
}

func TestTaskLabelVocabularies(t *testing.T) {
	tnews, err := TaskByName("tnews")
	require.NoError(t, err)
	assert.Len(t, tnews.Labels, 15)
	assert.NotContains(t, tnews.Labels, "105")
	assert.NotContains(t, tnews.Labels, "111")

	iflytek, err := TaskByName("iflytek")
	require.NoError(t, err)
	assert.Len(t, iflytek.Labels, 119)
	assert.Equal(t, "0", iflytek.Labels[0])
	assert.Equal(t, "118", iflytek.Labels[118])
}

func TestParseLinePair(t *testing.T) {
	task, err := TaskByName("afqmc")
	require.NoError(t, err)

	example, err := task.parseLine([]byte(`{"sentence1": "蚂蚁花呗", "sentence2": "花呗转账", "label": "1"}`))
	require.NoError(t, err)
	assert.Equal(t, "蚂蚁花呗", example.TextA)
	assert.Equal(t, "花呗转账", example.TextB)
	assert.Equal(t, float64(1), example.Label)
}

func TestParseLineSingle(t *testing.T) {
	task, err := TaskByName("tnews")
	require.NoError(t, err)

	example, err := task.parseLine([]byte(`{"sentence": "今天股市大涨", "label": "104"}`))
	require.NoError(t, err)
	assert.Equal(t, "今天股市大涨", example.TextA)
	assert.Empty(t, example.TextB)
	assert.Equal(t, float64(4), example.Label)
}

func TestParseLineCSL(t *testing.T) {
	task, err := TaskByName("csl")
	require.NoError(t, err)

	example, err := task.parseLine([]byte(`{"abst": "本文研究了图神经网络", "keyword": ["图网络", "表示学习"], "label": "0"}`))
	require.NoError(t, err)
	assert.Equal(t, "图网络 表示学习", example.TextA)
	assert.Equal(t, "本文研究了图神经网络", example.TextB)
}

func TestParseLineUnknownLabel(t *testing.T) {
	task, err := TaskByName("ocnli")
	require.NoError(t, err)

	_, err = task.parseLine([]byte(`{"sentence1": "a", "sentence2": "b", "label": "maybe"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `label "maybe"`)
}

func TestMarkSpans(t *testing.T) {
	marked, err := markSpans("小明告诉警察他看到了小偷", "小明", 0, "他", 6)
	require.NoError(t, err)
	assert.Equal(t, "_小明_告诉警察[他]看到了小偷", marked)

	_, err = markSpans("短文本", "不存在的很长的片段", 0, "短", 0)
	assert.Error(t, err)
}

func TestWSCConvert(t *testing.T) {
	task, err := TaskByName("cluewsc2020")
	require.NoError(t, err)

	line := `{"text": "小明告诉警察他看到了小偷", "target": {"span1_text": "小明", "span1_index": 0, "span2_text": "他", "span2_index": 6}, "label": "true"}`
	example, err := task.parseLine([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, "_小明_告诉警察[他]看到了小偷", example.TextA)
	assert.Equal(t, float64(0), example.Label)
}

func TestBatchesShapeAndOrder(t *testing.T) {
	dataset := &Dataset{}
	for i := 0; i < 65; i++ {
		dataset.Examples = append(dataset.Examples, Example{TextA: fmt.Sprintf("example-%d", i)})
	}

	batches := dataset.Batches(32)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 32)
	assert.Len(t, batches[1], 32)
	assert.Len(t, batches[2], 1)

	seen := 0
	for _, batch := range batches {
		for _, example := range batch {
			assert.Equal(t, fmt.Sprintf("example-%d", seen), example.TextA)
			seen++
		}
	}
	assert.Equal(t, 65, seen)
}

func TestBatchesEdgeSizes(t *testing.T) {
	dataset := &Dataset{Examples: make([]Example, 10)}
	assert.Len(t, dataset.Batches(10), 1)
	assert.Len(t, dataset.Batches(11), 1)
	assert.Len(t, dataset.Batches(1), 10)
	assert.Nil(t, dataset.Batches(0))
}

func TestLoadDev(t *testing.T) {
	dataDir := t.TempDir()
	taskDir := filepath.Join(dataDir, "afqmc")
	require.NoError(t, os.MkdirAll(taskDir, 0o755))
	content := `{"sentence1": "a", "sentence2": "b", "label": "0"}
{"sentence1": "c", "sentence2": "d", "label": "1"}
`
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "dev.json"), []byte(content), 0o644))

	task, err := TaskByName("afqmc")
	require.NoError(t, err)
	dataset, err := LoadDev(dataDir, task)
	require.NoError(t, err)
	assert.Equal(t, 2, dataset.Len())
	assert.Equal(t, float64(1), dataset.Examples[1].Label)
}

func TestLoadDevBadLine(t *testing.T) {
	dataDir := t.TempDir()
	taskDir := filepath.Join(dataDir, "afqmc")
	require.NoError(t, os.MkdirAll(taskDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "dev.json"), []byte("not json\n"), 0o644))

	task, err := TaskByName("afqmc")
	require.NoError(t, err)
	_, err = LoadDev(dataDir, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev.json:1")
}
