package datasets

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/inferlab/clubench/util/fileutil"
)

// Example is one raw text record of a dev split: one or two text fields plus
// the label resolved to its index in the task's label list.
type Example struct {
	TextA string
	TextB string
	Label float64
}

// Task describes one CLUE classification task: its label vocabulary and how
// a raw record maps to the example's text fields.
type Task struct {
	Name   string
	Labels []string

	convert func(raw *rawRecord) (string, string, error)
}

type rawRecord struct {
	Sentence  string     `json:"sentence"`
	Sentence1 string     `json:"sentence1"`
	Sentence2 string     `json:"sentence2"`
	Abst      string     `json:"abst"`
	Keyword   []string   `json:"keyword"`
	Text      string     `json:"text"`
	Target    *wscTarget `json:"target"`
	Label     string     `json:"label"`
}

type wscTarget struct {
	Span1Text  string `json:"span1_text"`
	Span2Text  string `json:"span2_text"`
	Span1Index int    `json:"span1_index"`
	Span2Index int    `json:"span2_index"`
}

var tasks = map[string]*Task{
	"afqmc": {
		Name:    "afqmc",
		Labels:  []string{"0", "1"},
		convert: pairConvert,
	},
	"tnews": {
		Name: "tnews",
		Labels: []string{
			"100", "101", "102", "103", "104", "106", "107", "108",
			"109", "110", "112", "113", "114", "115", "116",
		},
		convert: singleConvert,
	},
	"iflytek": {
		Name:    "iflytek",
		Labels:  numericLabels(119),
		convert: singleConvert,
	},
	"ocnli": {
		Name:    "ocnli",
		Labels:  []string{"entailment", "contradiction", "neutral"},
		convert: pairConvert,
	},
	"cmnli": {
		Name:    "cmnli",
		Labels:  []string{"contradiction", "entailment", "neutral"},
		convert: pairConvert,
	},
	"cluewsc2020": {
		Name:    "cluewsc2020",
		Labels:  []string{"true", "false"},
		convert: wscConvert,
	},
	"csl": {
		Name:    "csl",
		Labels:  []string{"0", "1"},
		convert: cslConvert,
	},
}

// TaskByName resolves a task identifier. Unknown names list the supported
// tasks in the error.
func TaskByName(name string) (*Task, error) {
	task, ok := tasks[strings.ToLower(name)]
	if !ok {
		names := make([]string, 0, len(tasks))
		for n := range tasks {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("task %q not supported, expected one of: %s", name, strings.Join(names, ", "))
	}
	return task, nil
}

func numericLabels(n int) []string {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = strconv.Itoa(i)
	}
	return labels
}

func singleConvert(raw *rawRecord) (string, string, error) {
	if raw.Sentence == "" {
		return "", "", fmt.Errorf("record has no sentence field")
	}
	return raw.Sentence, "", nil
}

func pairConvert(raw *rawRecord) (string, string, error) {
	if raw.Sentence1 == "" || raw.Sentence2 == "" {
		return "", "", fmt.Errorf("record is missing sentence1 or sentence2")
	}
	return raw.Sentence1, raw.Sentence2, nil
}

// cslConvert joins the abstract keywords into the first text field and uses
// the abstract itself as the second.
func cslConvert(raw *rawRecord) (string, string, error) {
	if len(raw.Keyword) == 0 || raw.Abst == "" {
		return "", "", fmt.Errorf("record is missing keyword or abst")
	}
	return strings.Join(raw.Keyword, " "), raw.Abst, nil
}

// wscConvert marks the coreference spans inside the text: the query span is
// wrapped in underscores and the pronoun span in brackets, so the classifier
// sees which mention pair it is judging.
func wscConvert(raw *rawRecord) (string, string, error) {
	if raw.Text == "" || raw.Target == nil {
		return "", "", fmt.Errorf("record is missing text or target")
	}
	marked, err := markSpans(raw.Text,
		raw.Target.Span1Text, raw.Target.Span1Index,
		raw.Target.Span2Text, raw.Target.Span2Index)
	if err != nil {
		return "", "", err
	}
	return marked, "", nil
}

// markSpans inserts "_" around the span starting at queryIdx and "[" "]"
// around the span starting at pronounIdx. Indices are rune offsets into text.
func markSpans(text, query string, queryIdx int, pronoun string, pronounIdx int) (string, error) {
	runes := []rune(text)
	queryLen := len([]rune(query))
	pronounLen := len([]rune(pronoun))
	if queryIdx < 0 || queryIdx+queryLen > len(runes) {
		return "", fmt.Errorf("span %q out of range at index %d", query, queryIdx)
	}
	if pronounIdx < 0 || pronounIdx+pronounLen > len(runes) {
		return "", fmt.Errorf("span %q out of range at index %d", pronoun, pronounIdx)
	}

	type insertion struct {
		at   int
		mark rune
	}
	insertions := []insertion{
		{queryIdx, '_'},
		{queryIdx + queryLen, '_'},
		{pronounIdx, '['},
		{pronounIdx + pronounLen, ']'},
	}
	// apply from the back so earlier offsets stay valid
	sort.Slice(insertions, func(i, j int) bool { return insertions[i].at > insertions[j].at })

	out := runes
	for _, ins := range insertions {
		out = append(out[:ins.at], append([]rune{ins.mark}, out[ins.at:]...)...)
	}
	return string(out), nil
}

func (t *Task) labelIndex(label string) (int, error) {
	for i, l := range t.Labels {
		if l == label {
			return i, nil
		}
	}
	return 0, fmt.Errorf("label %q not in the %s label list", label, t.Name)
}

// Dataset is an in-memory dev split, consumed once per predict pass.
type Dataset struct {
	Task     *Task
	Examples []Example
}

// LoadDev reads the dev split of a task from <dataDir>/<task>/dev.json, one
// JSON record per line.
func LoadDev(dataDir string, task *Task) (*Dataset, error) {
	path := fileutil.PathJoinSafe(dataDir, task.Name, "dev.json")
	file, err := fileutil.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening dev split for %s: %w", task.Name, err)
	}
	defer file.Close()

	dataset := &Dataset{Task: task}
	reader := bufio.NewReader(file)
	lineNo := 0
	for {
		lineBytes, readErr := fileutil.ReadLine(reader)
		if len(lineBytes) > 0 {
			lineNo++
			example, parseErr := task.parseLine(lineBytes)
			if parseErr != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, lineNo, parseErr)
			}
			dataset.Examples = append(dataset.Examples, example)
		}
		if readErr != nil {
			break
		}
	}
	if len(dataset.Examples) == 0 {
		return nil, fmt.Errorf("%s contains no examples", path)
	}
	return dataset, nil
}

func (t *Task) parseLine(line []byte) (Example, error) {
	raw := &rawRecord{}
	if err := jsoniter.Unmarshal(line, raw); err != nil {
		return Example{}, fmt.Errorf("failed to parse JSON line: %w", err)
	}
	textA, textB, err := t.convert(raw)
	if err != nil {
		return Example{}, err
	}
	label, err := t.labelIndex(raw.Label)
	if err != nil {
		return Example{}, err
	}
	return Example{TextA: textA, TextB: textB, Label: float64(label)}, nil
}

// Len returns the number of examples.
func (d *Dataset) Len() int {
	return len(d.Examples)
}

// Batches slices the dataset into ceil(N/B) fixed-size batches, preserving
// the dataset order; the final batch holds the remainder.
func (d *Dataset) Batches(batchSize int) [][]Example {
	if batchSize <= 0 {
		return nil
	}
	var batches [][]Example
	for idx := 0; idx < len(d.Examples); idx += batchSize {
		end := idx + batchSize
		if end > len(d.Examples) {
			end = len(d.Examples)
		}
		batches = append(batches, d.Examples[idx:end])
	}
	return batches
}
