package engines

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/inferlab/clubench/util/fileutil"
)

const defaultPadToken = "[PAD]"

// Tokenizer wraps the pretrained wordpiece tokenizer together with the pad
// values used by the batch converter.
type Tokenizer struct {
	tk         *tokenizer.Tokenizer
	PadTokenID int64
	// PadTypeID is the segment type id used to pad token_type_ids rows.
	PadTypeID int64
}

// LoadTokenizer reads tokenizer.json from dir and resolves the pad token id,
// preferring the pad_token declared in special_tokens_map.json.
func LoadTokenizer(dir string) (*Tokenizer, error) {
	tokenizerBytes, err := fileutil.ReadFileBytes(fileutil.PathJoinSafe(dir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("reading tokenizer at %s: %w", dir, err)
	}
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return nil, tkErr
	}

	padToken, err := loadPadToken(dir)
	if err != nil {
		return nil, err
	}

	t := &Tokenizer{tk: tk}
	if id, ok := tk.TokenToId(padToken); ok {
		t.PadTokenID = int64(id)
	}
	return t, nil
}

// loadPadToken reads special_tokens_map.json if present. The pad_token entry
// is either a plain string or a map with a content field.
func loadPadToken(dir string) (string, error) {
	mapPath := fileutil.PathJoinSafe(dir, "special_tokens_map.json")
	exists, err := fileutil.FileExists(mapPath)
	if err != nil {
		return "", err
	}
	if !exists {
		return defaultPadToken, nil
	}
	configBytes, err := fileutil.ReadFileBytes(mapPath)
	if err != nil {
		return "", err
	}
	configMap := map[string]any{}
	if err := jsoniter.Unmarshal(configBytes, &configMap); err != nil {
		return "", err
	}
	padToken, ok := configMap["pad_token"]
	if !ok {
		return defaultPadToken, nil
	}
	switch v := padToken.(type) {
	case map[string]any:
		content, contentOk := v["content"]
		if !contentOk {
			return "", fmt.Errorf("pad_token is a map but has no content field at %s", mapPath)
		}
		contentString, stringOk := content.(string)
		if !stringOk {
			return "", fmt.Errorf("pad_token content cannot be converted to string: %v", content)
		}
		return contentString, nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("pad_token has unexpected type: %v", v)
	}
}

// Encode tokenizes a single sentence or a sentence pair (textB empty means
// single) and truncates the result to at most maxLength tokens. The encoding
// is deterministic for a given input and cap.
func (t *Tokenizer) Encode(textA, textB string, maxLength int) (*Encoded, error) {
	var input tokenizer.EncodeInput
	if textB == "" {
		input = tokenizer.NewSingleEncodeInput(tokenizer.NewInputSequence(textA))
	} else {
		input = tokenizer.NewDualEncodeInput(tokenizer.NewInputSequence(textA), tokenizer.NewInputSequence(textB))
	}
	output, err := t.tk.Encode(input, true)
	if err != nil {
		return nil, err
	}

	ids := output.Ids
	typeIDs := output.TypeIds
	if maxLength > 0 && len(ids) > maxLength {
		ids = ids[:maxLength]
		typeIDs = typeIDs[:min(len(typeIDs), maxLength)]
	}

	encoded := &Encoded{
		TokenIDs: make([]int64, len(ids)),
		TypeIDs:  make([]int64, len(ids)),
	}
	for i, id := range ids {
		encoded.TokenIDs[i] = int64(id)
	}
	for i, typeID := range typeIDs {
		encoded.TypeIDs[i] = int64(typeID)
	}
	return encoded, nil
}
