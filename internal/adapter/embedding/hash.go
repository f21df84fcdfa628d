package embedding

import (
	"context"
	"hash/fnv"

	"catrec/internal/adapter/analyzer"
)

// HashProvider is a deterministic local embedder: analyzer features are
// hashed into a fixed number of signed buckets. Texts sharing words or
// word fragments land close together. It needs no network and is used for
// offline runs and tests. With stemming, inflections of a word also share
// their whole-word feature.
type HashProvider struct {
	dimension int
	stemming  bool
	tok       *analyzer.Tokenizer
}

func NewHashProvider(dimension int, stemming bool) *HashProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashProvider{dimension: dimension, stemming: stemming, tok: analyzer.NewTokenizer(stemming)}
}

// ModelName differs with stemming so the two feature sets never share an
// index or a vector cache.
func (p *HashProvider) ModelName() string {
	if p.stemming {
		return "feature-hash+stem"
	}
	return "feature-hash"
}

func (p *HashProvider) Dimension() int { return p.dimension }

func (p *HashProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(text)
	}
	return out, nil
}

func (p *HashProvider) vector(text string) []float32 {
	v := make([]float32, p.dimension)
	for _, f := range p.tok.Features(text) {
		h := fnv.New64a()
		h.Write([]byte(f.Term))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dimension))
		if sum>>63 == 1 {
			v[idx] -= f.Weight
		} else {
			v[idx] += f.Weight
		}
	}
	return v
}
