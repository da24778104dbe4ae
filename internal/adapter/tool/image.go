package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
)

const (
	maxPromptLength = 4000
	maxImageBody    = 32 << 20
	imageCreatedMsg = "A image was created and is now visible to the user."
)

// ImageTool generates an image through an OpenAI-compatible images endpoint
// and streams it to the client as an image-delta chunk.
type ImageTool struct {
	client *http.Client
	cfg    config.ImageConfig
	logger *slog.Logger
}

// NewImageTool creates the generateImage tool.
func NewImageTool(client *http.Client, cfg config.ImageConfig, logger *slog.Logger) *ImageTool {
	return &ImageTool{client: client, cfg: cfg, logger: logger}
}

func (t *ImageTool) Name() string        { return "generateImage" }
func (t *ImageTool) Description() string { return "Generate an image from a text prompt and show it to the user" }

func (t *ImageTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt": {"type": "string", "minLength": 1}
			},
			"required": ["prompt"]
		}`),
	}
}

type imageParams struct {
	Prompt string `json:"prompt"`
}

// ImageArtifact is the structured result of generateImage.
type ImageArtifact struct {
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (t *ImageTool) Execute(ctx context.Context, args json.RawMessage, ec domain.ExecContext) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.generateImage", t.logger, args,
		func(ctx context.Context, _ trace.Span, p imageParams) (any, error) {
			if err := ValidateAll(
				RequireField("prompt", p.Prompt),
				ValidateMaxLength("prompt", p.Prompt, maxPromptLength),
			); err != nil {
				return nil, err
			}

			b64, err := t.generate(ctx, p.Prompt)
			if err != nil {
				return nil, err
			}

			if ec.Stream != nil {
				if err := ec.Stream.Write(ctx, domain.DeltaChunk(domain.ArtifactImage, b64)); err != nil {
					t.logger.Debug("image delta not delivered", "tool_call_id", ec.ToolCallID, "error", err)
				}
			}
			return ImageArtifact{Kind: domain.ArtifactImage, Title: p.Prompt, Content: imageCreatedMsg}, nil
		},
	)
}

func (t *ImageTool) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(imageRequest{
		Model:          t.cfg.Model,
		Prompt:         prompt,
		N:              1,
		Size:           t.cfg.Size,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(t.cfg.BaseURL, "/") + "/images/generations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	var out imageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxImageBody)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return "", fmt.Errorf("image API returned %d: %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("image API returned %d", resp.StatusCode)
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return "", fmt.Errorf("image API returned no image")
	}
	return out.Data[0].B64JSON, nil
}
