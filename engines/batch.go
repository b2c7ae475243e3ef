package engines

// LabelKind selects the numeric type labels are stacked as: int64 for
// classification tasks, float32 otherwise.
type LabelKind int

const (
	LabelInt64 LabelKind = iota
	LabelFloat32
)

// Encoded is one tokenized example: token ids and segment ids truncated to
// the configured sequence cap, plus its ground-truth label.
type Encoded struct {
	TokenIDs []int64
	TypeIDs  []int64
	Label    float64
}

// EncodedBatch is a fixed-shape batch ready for the engine. The id matrices
// are stored flat in row-major order with every row padded to MaxLength.
type EncodedBatch struct {
	Size      int
	MaxLength int
	InputIDs  []int64
	TypeIDs   []int64
	// Lengths holds the unpadded token count of each row.
	Lengths     []int
	Kind        LabelKind
	LabelsInt   []int64
	LabelsFloat []float32
}

// Batchifier pads token id rows with the tokenizer's pad token id, segment id
// rows with the pad segment type id, and stacks labels as a contiguous
// vector. It is the fixed stacking rule applied to every batch of a run.
type Batchifier struct {
	padTokenID int64
	padTypeID  int64
	kind       LabelKind
}

func NewBatchifier(padTokenID, padTypeID int64, kind LabelKind) *Batchifier {
	return &Batchifier{padTokenID: padTokenID, padTypeID: padTypeID, kind: kind}
}

// Batchify builds an EncodedBatch from tokenized examples. Rows are padded to
// the longest example of this batch, not to a global constant.
func (bf *Batchifier) Batchify(examples []Encoded) *EncodedBatch {
	maxLength := 0
	for _, ex := range examples {
		if len(ex.TokenIDs) > maxLength {
			maxLength = len(ex.TokenIDs)
		}
	}

	size := len(examples)
	batch := &EncodedBatch{
		Size:      size,
		MaxLength: maxLength,
		InputIDs:  make([]int64, size*maxLength),
		TypeIDs:   make([]int64, size*maxLength),
		Lengths:   make([]int, size),
		Kind:      bf.kind,
	}

	counter := 0
	for i, ex := range examples {
		batch.Lengths[i] = len(ex.TokenIDs)
		for k := 0; k < maxLength; k++ {
			if k < len(ex.TokenIDs) {
				batch.InputIDs[counter] = ex.TokenIDs[k]
				batch.TypeIDs[counter] = ex.TypeIDs[k]
			} else {
				batch.InputIDs[counter] = bf.padTokenID
				batch.TypeIDs[counter] = bf.padTypeID
			}
			counter++
		}
	}

	switch bf.kind {
	case LabelFloat32:
		batch.LabelsFloat = make([]float32, size)
		for i, ex := range examples {
			batch.LabelsFloat[i] = float32(ex.Label)
		}
	default:
		batch.LabelsInt = make([]int64, size)
		for i, ex := range examples {
			batch.LabelsInt[i] = int64(ex.Label)
		}
	}
	return batch
}

// AttentionMask derives the 0/1 mask from the row lengths, for models whose
// graph declares an attention_mask input.
func (b *EncodedBatch) AttentionMask() []int64 {
	mask := make([]int64, b.Size*b.MaxLength)
	counter := 0
	for _, length := range b.Lengths {
		for k := 0; k < b.MaxLength; k++ {
			if k < length {
				mask[counter] = 1
			}
			counter++
		}
	}
	return mask
}
