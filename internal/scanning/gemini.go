package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Gemini implements Provider using Google Gemini
type Gemini struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
}

// NewGemini creates a new Gemini provider
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client:    client,
		model:     model,
		modelName: modelName,
	}, nil
}

func (g *Gemini) Name() string {
	return "gemini:" + g.modelName
}

// Complete sends the page and instructions as a single content turn.
func (g *Gemini) Complete(ctx context.Context, req *Request) (string, error) {
	// genai.ImageData expects the format suffix ("png"), not the MIME type.
	format := strings.TrimPrefix(req.MIMEType, "image/")
	parts := []genai.Part{
		genai.ImageData(format, req.Image),
		genai.Text(req.Instructions + "\n\n" + req.Prompt),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", geminiError(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", newError(KindSchema, "no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	return responseText.String(), nil
}

// geminiError maps gRPC status codes onto error kinds. Errors without a
// status are returned unchanged and treated as transient by the Client.
func geminiError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &Error{Kind: KindRejected, Err: err}
	}

	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("generating content: %w", err)
	}

	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return &Error{Kind: KindAuth, Err: err}
	case codes.InvalidArgument:
		if strings.Contains(st.Message(), "API key") {
			return &Error{Kind: KindAuth, Err: err}
		}
		return &Error{Kind: KindRejected, Err: err}
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Internal, codes.Aborted, codes.Unknown:
		return &Error{Kind: KindTransient, Err: err}
	default:
		return &Error{Kind: KindRejected, Err: err}
	}
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
