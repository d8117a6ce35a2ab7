package prime

import (
	"context"
	"time"

	"google.golang.org/genai"
)

// GeminiRemote implements Remote against the Gemini cached-content API.
type GeminiRemote struct {
	client *genai.Client
	model  string
	ttl    time.Duration
}

// NewGeminiRemote dials the Gemini API. The model must match the one the
// live sessions run, or the upstream rejects the handle at session setup.
func NewGeminiRemote(ctx context.Context, apiKey, model string, ttl time.Duration) (*GeminiRemote, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiRemote{client: client, model: model, ttl: ttl}, nil
}

func (g *GeminiRemote) Create(ctx context.Context, c Content) (string, error) {
	cached, err := g.client.Caches.Create(ctx, g.model, &genai.CreateCachedContentConfig{
		DisplayName:       c.AgentID,
		SystemInstruction: genai.NewContentFromText(c.SystemInstruction, genai.RoleUser),
		Contents:          []*genai.Content{genai.NewContentFromText(c.Body, genai.RoleUser)},
		TTL:               g.ttl,
	})
	if err != nil {
		return "", err
	}
	return cached.Name, nil
}

func (g *GeminiRemote) Refresh(ctx context.Context, handle string) error {
	_, err := g.client.Caches.Update(ctx, handle, &genai.UpdateCachedContentConfig{
		TTL: g.ttl,
	})
	return err
}

func (g *GeminiRemote) Delete(ctx context.Context, handle string) error {
	_, err := g.client.Caches.Delete(ctx, handle, &genai.DeleteCachedContentConfig{})
	return err
}
