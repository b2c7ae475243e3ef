package engines

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/inferlab/clubench/util/fileutil"
)

// ShapeRange is the observed shape envelope of one named input tensor:
// element-wise minimum and maximum over all observed shapes, plus the most
// frequently observed shape as the optimum.
type ShapeRange struct {
	Name string
	Min  []int64
	Opt  []int64
	Max  []int64
}

// ShapeRangeCollector records the input shapes seen during a run so they can
// be written to a shape-range calibration file for later tuned execution.
type ShapeRangeCollector struct {
	names  []string
	min    []int64
	max    []int64
	counts map[[2]int64]int
	modal  []int64
	best   int
}

func NewShapeRangeCollector(names ...string) *ShapeRangeCollector {
	return &ShapeRangeCollector{names: names, counts: map[[2]int64]int{}}
}

// Observe records one batch's input shape. All inputs of a batch share the
// [batch, sequence] shape.
func (c *ShapeRangeCollector) Observe(batchSize, seqLength int) {
	shape := [2]int64{int64(batchSize), int64(seqLength)}
	if c.min == nil {
		c.min = []int64{shape[0], shape[1]}
		c.max = []int64{shape[0], shape[1]}
	} else {
		for i, v := range shape {
			if v < c.min[i] {
				c.min[i] = v
			}
			if v > c.max[i] {
				c.max[i] = v
			}
		}
	}

	// the most frequent shape becomes the optimization target
	c.counts[shape]++
	if c.counts[shape] > c.best {
		c.best = c.counts[shape]
		c.modal = []int64{shape[0], shape[1]}
	}
}

// Ranges returns the collected envelope for every input name. Empty when
// nothing was observed.
func (c *ShapeRangeCollector) Ranges() []ShapeRange {
	if c.min == nil {
		return nil
	}
	ranges := make([]ShapeRange, 0, len(c.names))
	for _, name := range c.names {
		ranges = append(ranges, ShapeRange{
			Name: name,
			Min:  append([]int64(nil), c.min...),
			Opt:  append([]int64(nil), c.modal...),
			Max:  append([]int64(nil), c.max...),
		})
	}
	return ranges
}

// WriteFile writes the collected shape ranges in the pbtxt layout used by the
// tuned-execution loader.
func (c *ShapeRangeCollector) WriteFile(path string) (err error) {
	ranges := c.Ranges()
	if len(ranges) == 0 {
		return fmt.Errorf("no input shapes were observed, nothing to write to %s", path)
	}
	writer, err := fileutil.NewFileWriter(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()

	buf := &bytes.Buffer{}
	for _, r := range ranges {
		buf.WriteString("shape_range_info {\n")
		fmt.Fprintf(buf, "  name: %q\n", r.Name)
		for _, v := range r.Min {
			fmt.Fprintf(buf, "  min_shape: %d\n", v)
		}
		for _, v := range r.Opt {
			fmt.Fprintf(buf, "  opt_shape: %d\n", v)
		}
		for _, v := range r.Max {
			fmt.Fprintf(buf, "  max_shape: %d\n", v)
		}
		buf.WriteString("}\n")
	}
	_, err = writer.Write(buf.Bytes())
	return err
}

// ReadShapeRangeFile parses a shape-range calibration file. A malformed file
// is an error; there is no partial recovery.
func ReadShapeRangeFile(path string) ([]ShapeRange, error) {
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("shape range file %s does not exist, run with shape collection first", path)
	}
	file, err := fileutil.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var ranges []ShapeRange
	var current *ShapeRange

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "shape_range_info"):
			if current != nil {
				return nil, fmt.Errorf("%s:%d: unterminated shape_range_info block", path, lineNo)
			}
			current = &ShapeRange{}
		case line == "}":
			if current == nil {
				return nil, fmt.Errorf("%s:%d: unexpected closing brace", path, lineNo)
			}
			if current.Name == "" || len(current.Min) == 0 || len(current.Max) == 0 {
				return nil, fmt.Errorf("%s:%d: incomplete shape_range_info block", path, lineNo)
			}
			ranges = append(ranges, *current)
			current = nil
		case strings.HasPrefix(line, "name:"):
			if current == nil {
				return nil, fmt.Errorf("%s:%d: field outside of a block", path, lineNo)
			}
			current.Name = strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "name:")), `"`)
		case strings.HasPrefix(line, "min_shape:"), strings.HasPrefix(line, "opt_shape:"), strings.HasPrefix(line, "max_shape:"):
			if current == nil {
				return nil, fmt.Errorf("%s:%d: field outside of a block", path, lineNo)
			}
			field, rest, _ := strings.Cut(line, ":")
			v, parseErr := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if parseErr != nil {
				return nil, fmt.Errorf("%s:%d: malformed %s value: %w", path, lineNo, field, parseErr)
			}
			switch field {
			case "min_shape":
				current.Min = append(current.Min, v)
			case "opt_shape":
				current.Opt = append(current.Opt, v)
			case "max_shape":
				current.Max = append(current.Max, v)
			}
		default:
			return nil, fmt.Errorf("%s:%d: unrecognized line %q", path, lineNo, line)
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return nil, scanErr
	}
	if current != nil {
		return nil, fmt.Errorf("%s: unterminated shape_range_info block at end of file", path)
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("%s: no shape_range_info blocks found", path)
	}
	return ranges, nil
}

// profileShapes renders shape ranges into the provider's profile syntax,
// e.g. "input_ids:1x3,token_type_ids:1x3".
func profileShapes(ranges []ShapeRange, pick func(ShapeRange) []int64) string {
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		dims := pick(r)
		dimStrings := make([]string, len(dims))
		for i, d := range dims {
			dimStrings[i] = strconv.FormatInt(d, 10)
		}
		parts = append(parts, r.Name+":"+strings.Join(dimStrings, "x"))
	}
	return strings.Join(parts, ",")
}
