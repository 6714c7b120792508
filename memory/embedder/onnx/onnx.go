//go:build onnx

// Package onnx embeds text locally with an ONNX sentence-transformer
// (all-MiniLM-L6-v2 by default): WordPiece tokenization, mean pooling over
// attended tokens, L2 normalization.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json vocabulary file.
	TokenizerPath string

	// LibraryPath points at libonnxruntime.so. Optional; when empty the
	// runtime's default resolution applies.
	LibraryPath string

	// Dimensions is the embedding vector size (default: 384).
	Dimensions int

	// MaxTokens is the sequence window (default: 128).
	MaxTokens int
}

// Embedder generates embeddings with ONNX Runtime. The model session is
// loaded lazily on the first Embed call and cached for the process lifetime;
// loading can take seconds and must be paid only once. A failed load latches:
// every later call returns the same load error.
type Embedder struct {
	cfg Config

	loadOnce  sync.Once
	loadErr   error
	session   *ort.DynamicAdvancedSession
	tokenizer *wordPieceTokenizer
}

// New creates an ONNX embedder. The model file is not touched until the
// first Embed call.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("ModelPath is required")
	}
	if cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("TokenizerPath is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 128
	}
	return &Embedder{cfg: cfg}, nil
}

// load initializes the runtime, tokenizer and session. Called once.
func (e *Embedder) load() {
	if e.cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(e.cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		e.loadErr = fmt.Errorf("initialize onnx runtime: %w", err)
		return
	}

	tokenizer, err := loadWordPieceTokenizer(e.cfg.TokenizerPath)
	if err != nil {
		e.loadErr = fmt.Errorf("load tokenizer: %w", err)
		return
	}

	session, err := ort.NewDynamicAdvancedSession(e.cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		e.loadErr = fmt.Errorf("create onnx session: %w", err)
		return
	}

	e.tokenizer = tokenizer
	e.session = session
}

// Embed converts text to an L2-normalized embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.loadOnce.Do(e.load)
	if e.loadErr != nil {
		return nil, fmt.Errorf("embedding backend unavailable: %w", e.loadErr)
	}

	maxLen := e.cfg.MaxTokens
	tokens := e.tokenizer.tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	inputIDs := make([]int64, maxLen)
	attentionMask := make([]int64, maxLen)
	tokenTypeIDs := make([]int64, maxLen)

	inputIDs[0] = clsTokenID
	attentionMask[0] = 1
	for i, tok := range tokens {
		inputIDs[i+1] = tok
		attentionMask[i+1] = 1
	}
	inputIDs[len(tokens)+1] = sepTokenID
	attentionMask[len(tokens)+1] = 1

	shape := ort.NewShape(1, int64(maxLen))
	inputIDsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer inputIDsTensor.Destroy()

	attentionTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer attentionTensor.Destroy()

	typeTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}
	err = e.session.Run([]ort.Value{inputIDsTensor, attentionTensor, typeTensor}, outputs)
	if err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	if len(outputs) == 0 || outputs[0] == nil {
		return nil, fmt.Errorf("onnx inference returned no outputs")
	}
	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type")
	}

	embedding, err := e.pool(tensor.GetData(), tensor.GetShape(), attentionMask)
	if err != nil {
		return nil, err
	}
	return normalize(embedding), nil
}

// pool reduces the model output to a single vector. A 2D output is already
// pooled; a 3D output is mean-pooled over the attended tokens.
func (e *Embedder) pool(data []float32, shape ort.Shape, attentionMask []int64) ([]float32, error) {
	dims := e.cfg.Dimensions

	switch len(shape) {
	case 2:
		if len(data) < dims {
			return nil, fmt.Errorf("output dimension mismatch: got %d, want %d", len(data), dims)
		}
		embedding := make([]float32, dims)
		copy(embedding, data[:dims])
		return embedding, nil

	case 3:
		seqLen := int(shape[1])
		hidden := int(shape[2])
		if shape[0] != 1 {
			return nil, fmt.Errorf("expected batch size 1, got %d", shape[0])
		}
		if hidden != dims {
			return nil, fmt.Errorf("hidden size mismatch: got %d, want %d", hidden, dims)
		}

		embedding := make([]float32, dims)
		var attended float32
		for i := 0; i < seqLen; i++ {
			if attentionMask[i] == 0 {
				continue
			}
			attended++
			offset := i * hidden
			for j := 0; j < hidden; j++ {
				embedding[j] += data[offset+j]
			}
		}
		if attended == 0 {
			return embedding, nil
		}
		for j := range embedding {
			embedding[j] /= attended
		}
		return embedding, nil

	default:
		return nil, fmt.Errorf("unexpected output shape: %v", shape)
	}
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}

// Close releases the ONNX session if it was ever loaded.
func (e *Embedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

// normalize converts an embedding to a unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}

// BERT special token IDs shared by the MiniLM family.
const (
	unkTokenID int64 = 100
	clsTokenID int64 = 101
	sepTokenID int64 = 102
)

// wordPieceTokenizer is a minimal BERT WordPiece tokenizer driven by the
// model's tokenizer.json vocabulary.
type wordPieceTokenizer struct {
	vocab map[string]int
}

func loadWordPieceTokenizer(path string) (*wordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary in %s", path)
	}
	return &wordPieceTokenizer{vocab: file.Model.Vocab}, nil
}

// tokenize converts text to token IDs. Lowercases (uncased model), strips
// edge punctuation, falls back to greedy longest-prefix subword splitting.
func (t *wordPieceTokenizer) tokenize(text string) []int64 {
	var tokens []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}
		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}
		for _, sub := range t.split(word) {
			if id, ok := t.vocab[sub]; ok {
				tokens = append(tokens, int64(id))
			} else {
				tokens = append(tokens, unkTokenID)
			}
		}
	}
	return tokens
}

// split performs greedy longest-match WordPiece splitting with the ##
// continuation prefix.
func (t *wordPieceTokenizer) split(word string) []string {
	var subwords []string
	start := 0
	for start < len(word) {
		matched := false
		for end := len(word); end > start; end-- {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if _, ok := t.vocab[piece]; ok {
				subwords = append(subwords, piece)
				start = end
				matched = true
				break
			}
		}
		if !matched {
			subwords = append(subwords, "[UNK]")
			start++
		}
	}
	return subwords
}
