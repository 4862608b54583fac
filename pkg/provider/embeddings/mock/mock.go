// Package mock provides a test double for [embeddings.Provider]: canned
// vectors, optional errors, and call recording.
package mock

import (
	"context"
	"sync"

	"github.com/itsDarianNgo/Chatter/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a configurable in-memory embeddings backend.
type Provider struct {
	mu sync.Mutex

	// EmbedResult and EmbedErr control Embed.
	EmbedResult []float32
	EmbedErr    error

	// EmbedBatchResult and EmbedBatchErr control EmbedBatch. A nil result
	// yields a correctly sized slice of nil vectors.
	EmbedBatchResult [][]float32
	EmbedBatchErr    error

	DimensionsValue int
	ModelIDValue    string

	// EmbedTexts records every text passed to Embed or EmbedBatch, in order.
	EmbedTexts []string
}

func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedTexts = append(p.EmbedTexts, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.EmbedResult, nil
}

func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedTexts = append(p.EmbedTexts, texts...)
	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.EmbedBatchResult != nil {
		return p.EmbedBatchResult, nil
	}
	return make([][]float32, len(texts)), nil
}

func (p *Provider) Dimensions() int {
	return p.DimensionsValue
}

func (p *Provider) ModelID() string {
	return p.ModelIDValue
}
