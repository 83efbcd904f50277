package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAzureAPIVersion supports strict json_schema structured outputs.
const DefaultAzureAPIVersion = "2024-12-01-preview"

// AzureConfig identifies an Azure OpenAI deployment.
type AzureConfig struct {
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
}

// Azure implements Provider using Azure OpenAI chat completions.
type Azure struct {
	cfg    AzureConfig
	client *http.Client
}

// NewAzure creates a new Azure provider
func NewAzure(cfg AzureConfig) (*Azure, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("azure endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("azure api key is required")
	}
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("azure deployment is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAzureAPIVersion
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	return &Azure{
		cfg: cfg,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

type azureChatRequest struct {
	Messages       []azureMessage      `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens"`
	ResponseFormat azureResponseFormat `json:"response_format"`
}

type azureMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type azureContentPart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *azureImageURL `json:"image_url,omitempty"`
}

type azureImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type azureResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema azureJSONSchema `json:"json_schema"`
}

type azureJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type azureChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (a *Azure) Name() string {
	return "azure:" + a.cfg.Deployment
}

// Complete sends one chat completion with the page attached as a data URL.
func (a *Azure) Complete(ctx context.Context, req *Request) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", req.MIMEType, base64.StdEncoding.EncodeToString(req.Image))

	body := azureChatRequest{
		Messages: []azureMessage{
			{Role: "system", Content: req.Instructions},
			{Role: "user", Content: []azureContentPart{
				{Type: "text", Text: req.Prompt},
				{Type: "image_url", ImageURL: &azureImageURL{URL: dataURL, Detail: "high"}},
			}},
		},
		Temperature: 0,
		MaxTokens:   4096,
		ResponseFormat: azureResponseFormat{
			Type: "json_schema",
			JSONSchema: azureJSONSchema{
				Name:   req.Schema.Name,
				Strict: true,
				Schema: req.Schema.JSONSchema(),
			},
		},
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		a.cfg.Endpoint, url.PathEscape(a.cfg.Deployment), url.QueryEscape(a.cfg.APIVersion))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", &Error{Kind: KindRejected, Err: fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", a.cfg.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", &Error{Kind: KindTransient, Err: fmt.Errorf("calling azure API: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", classifyStatus(resp.StatusCode, respBody)
	}

	var chatResp azureChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", &Error{Kind: KindTransient, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(chatResp.Choices) == 0 {
		return "", &Error{Kind: KindSchema, Err: fmt.Errorf("no choices in response")}
	}

	choice := chatResp.Choices[0]
	switch {
	case choice.FinishReason == "content_filter":
		return "", newError(KindRejected, "response blocked by content filter")
	case choice.Message.Refusal != "":
		return "", newError(KindRejected, "model refused: %s", choice.Message.Refusal)
	}
	return choice.Message.Content, nil
}

// Close is a no-op for the HTTP client.
func (a *Azure) Close() error {
	return nil
}
