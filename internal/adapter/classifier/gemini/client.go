// Package gemini implements domain.Classifier against Google's Gemini API:
// PDF filings are uploaded and classified with structured JSON output;
// plain-text announcements skip the upload step. A per-process sliding
// window caps outbound requests at the configured requests-per-minute.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
	"github.com/fairyhunter13/announcement-pipeline/internal/service/ratelimiter"
	"github.com/fairyhunter13/announcement-pipeline/pkg/textx"
)

// FleetBucketKey is the shared token-bucket key under which every worker
// process draws Classifier requests when a fleet-wide limiter is configured.
const FleetBucketKey = "classifier"

var tracer = otel.Tracer("classifier.gemini")

// Client implements domain.Classifier using the genai SDK.
type Client struct {
	genai         *genai.Client
	model         string
	limiter       *slidingWindowLimiter
	fleetLimiter  ratelimiter.Limiter
	callTimeout   time.Duration
	uploadTimeout time.Duration
}

// Config configures a Client. FleetLimiter is optional: when set, every
// request additionally draws from the Redis-backed token bucket shared by
// all worker processes, capping the deployment's total Classifier rate
// rather than just this process's.
type Config struct {
	APIKey        string
	Model         string
	RPM           int
	FleetLimiter  ratelimiter.Limiter
	CallTimeout   time.Duration
	UploadTimeout time.Duration
}

// NewClient builds a Classifier backed by the Gemini API.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("op=classifier.NewClient: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	rpm := cfg.RPM
	if rpm <= 0 {
		rpm = 15
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 5 * time.Minute
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = 2 * time.Minute
	}
	return &Client{
		genai:         gc,
		model:         model,
		limiter:       newSlidingWindowLimiter(rpm, time.Minute),
		fleetLimiter:  cfg.FleetLimiter,
		callTimeout:   callTimeout,
		uploadTimeout: uploadTimeout,
	}, nil
}

// responseSchema constrains the model's JSON output to the shape
// ClassificationResult needs, so parsing never has to guess at structure.
var responseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"category":                  {Type: genai.TypeString},
		"summary":                   {Type: genai.TypeString},
		"sentiment":                 {Type: genai.TypeString, Enum: []string{"Positive", "Negative", "Neutral"}},
		"individual_investor_list":  {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"company_investor_list":     {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"findata": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"period":              {Type: genai.TypeString},
				"sales_current":       {Type: genai.TypeString},
				"sales_previous_year": {Type: genai.TypeString},
				"pat_current":         {Type: genai.TypeString},
				"pat_previous_year":   {Type: genai.TypeString},
			},
		},
	},
	Required: []string{"category", "summary", "sentiment"},
}

const classifyInstructions = `You are classifying a single corporate filing announced on an Indian stock
exchange. Read the filing and return strict JSON matching the provided
schema. category must be exactly one of the fixed set of announcement
categories used by Indian exchange disclosure taxonomy; never invent a
category outside that set. If the filing contains quarterly or annual
financial results, populate findata with the reported figures as strings
exactly as printed (including commas), otherwise omit findata. List every
individual and corporate investor name explicitly named in the filing.`

// rawResult mirrors responseSchema for JSON decoding.
type rawResult struct {
	Category               string          `json:"category"`
	Summary                string          `json:"summary"`
	Sentiment              string          `json:"sentiment"`
	IndividualInvestorList []string        `json:"individual_investor_list"`
	CompanyInvestorList    []string        `json:"company_investor_list"`
	FinData                *domain.FinData `json:"findata"`
}

// ClassifyPDF uploads the PDF at pdfPath and classifies it, honoring the
// configured per-process requests-per-minute budget and upload/call timeouts.
func (c *Client) ClassifyPDF(ctx context.Context, pdfPath, headline string) (domain.ClassificationResult, error) {
	ctx, span := tracer.Start(ctx, "Classifier.ClassifyPDF")
	defer span.End()
	span.SetAttributes(attribute.String("pdf_path", pdfPath))

	if err := c.limiter.Wait(ctx); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("op=classifier.ClassifyPDF.rate_limit: %w", err)
	}
	if err := c.waitFleet(ctx); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("op=classifier.ClassifyPDF.fleet_rate_limit: %w", err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	file, err := c.uploadFile(uploadCtx, pdfPath)
	cancel()
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("op=classifier.ClassifyPDF.upload: %w", err)
	}

	parts := []*genai.Part{
		genai.NewPartFromURI(file.URI, file.MIMEType),
		genai.NewPartFromText(classifyInstructions + "\n\nHeadline: " + textx.SanitizeText(headline)),
	}
	content := genai.NewContentFromParts(parts, genai.RoleUser)

	raw, err := c.generate(ctx, content)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("op=classifier.ClassifyPDF.generate: %w", err)
	}
	return toClassificationResult(raw, headline)
}

// ClassifyText classifies an announcement from its textual headline and body
// without any file upload, used when no PDF attachment exists.
func (c *Client) ClassifyText(ctx context.Context, headline, body string) (domain.ClassificationResult, error) {
	ctx, span := tracer.Start(ctx, "Classifier.ClassifyText")
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("op=classifier.ClassifyText.rate_limit: %w", err)
	}
	if err := c.waitFleet(ctx); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("op=classifier.ClassifyText.fleet_rate_limit: %w", err)
	}

	prompt := classifyInstructions + "\n\nHeadline: " + textx.SanitizeText(headline) + "\n\nBody:\n" + textx.SanitizeText(body)
	content := genai.NewContentFromText(prompt, genai.RoleUser)

	raw, err := c.generate(ctx, content)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("op=classifier.ClassifyText.generate: %w", err)
	}
	return toClassificationResult(raw, headline)
}

// waitFleet blocks until the shared fleet bucket grants a token, failing
// open when no fleet limiter is configured or the limiter itself errors.
func (c *Client) waitFleet(ctx context.Context) error {
	if c.fleetLimiter == nil {
		return nil
	}
	for {
		allowed, retryAfter, err := c.fleetLimiter.Allow(ctx, FleetBucketKey, 1)
		if err != nil || allowed {
			return nil
		}
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

func (c *Client) uploadFile(ctx context.Context, path string) (*genai.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var uploaded *genai.File
	op := func() error {
		var uerr error
		uploaded, uerr = c.genai.Files.Upload(ctx, f, &genai.UploadFileConfig{MIMEType: "application/pdf"})
		return uerr
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("upload after retries: %w", err)
	}
	return uploaded, nil
}

func (c *Client) generate(ctx context.Context, content *genai.Content) (rawResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	genCfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   responseSchema,
	}

	start := time.Now()
	observability.AIRequestsTotal.WithLabelValues("gemini", "generate_content").Inc()

	var resp *genai.GenerateContentResponse
	op := func() error {
		var gerr error
		resp, gerr = c.genai.Models.GenerateContent(ctx, c.model, []*genai.Content{content}, genCfg)
		return gerr
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	breaker := observability.GetCircuitBreaker("gemini", 5, 30*time.Second)
	err := breaker.Call(func() error { return backoff.Retry(op, bo) })
	observability.AIRequestDuration.WithLabelValues("gemini", "generate_content").Observe(time.Since(start).Seconds())
	if err != nil {
		return rawResult{}, fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}

	if resp != nil && resp.UsageMetadata != nil {
		um := resp.UsageMetadata
		observability.RecordAITokenUsage("gemini", "prompt", c.model, int(um.PromptTokenCount))
		observability.RecordAITokenUsage("gemini", "completion", c.model, int(um.CandidatesTokenCount))
	}

	text, err := extractText(resp)
	if err != nil {
		return rawResult{}, err
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return rawResult{}, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	return raw, nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: empty response", domain.ErrSchemaInvalid)
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}
	if text == "" {
		return "", fmt.Errorf("%w: no text in response", domain.ErrSchemaInvalid)
	}
	return text, nil
}

func toClassificationResult(raw rawResult, headline string) (domain.ClassificationResult, error) {
	result := domain.ClassificationResult{
		Category:               raw.Category,
		Headline:               headline,
		Summary:                raw.Summary,
		FinData:                raw.FinData,
		IndividualInvestorList: raw.IndividualInvestorList,
		CompanyInvestorList:    raw.CompanyInvestorList,
		Sentiment:              domain.Sentiment(raw.Sentiment),
	}
	if result.Category == "" || result.Category == "Error" || !result.IsValidCategory() {
		return result, fmt.Errorf("%w: category %q is not a recognized classification", domain.ErrSchemaInvalid, result.Category)
	}
	return result, nil
}

var _ domain.Classifier = (*Client)(nil)
