// Package bedrock implements the providers.Adapter interface for AWS
// Bedrock. Non-streaming requests go through the model invoke API with
// family-specific body translation; streaming uses the Converse stream API.
// All requests are signed with AWS SigV4.
package bedrock

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Switchdotnew/switch-router-sub001/internal/credentials"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/modelregistry"
)

const (
	service   = "bedrock"
	algorithm = "AWS4-HMAC-SHA256"
)

// supportedRegions are the regions with Bedrock runtime endpoints.
var supportedRegions = map[string]bool{
	"us-east-1":      true,
	"us-east-2":      true,
	"us-west-2":      true,
	"ap-northeast-1": true,
	"ap-south-1":     true,
	"ap-southeast-1": true,
	"ap-southeast-2": true,
	"ca-central-1":   true,
	"eu-central-1":   true,
	"eu-west-1":      true,
	"eu-west-2":      true,
	"eu-west-3":      true,
	"sa-east-1":      true,
}

// Adapter implements providers.Adapter for AWS Bedrock.
type Adapter struct {
	cfg      *providers.Config
	store    credentials.Store
	registry *modelregistry.Registry
	retry    providers.RetryPolicy

	// endpointURL overrides the regional AWS endpoint, for tests.
	endpointURL string
	http        *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEndpointURL overrides the Bedrock endpoint base URL (for local mocks).
func WithEndpointURL(u string) Option {
	return func(a *Adapter) { a.endpointURL = strings.TrimRight(u, "/") }
}

// New creates a Bedrock adapter. The credential store must resolve AWS
// credentials with a supported region.
func New(cfg *providers.Config, store credentials.Store, registry *modelregistry.Registry, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:      cfg,
		store:    store,
		registry: registry,
		retry:    providers.PolicyFor(cfg, nil),
		http:     &http.Client{Timeout: cfg.Timeout()},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return a.cfg.Name }

// awsCredential resolves and validates the AWS credential for one request.
func (a *Adapter) awsCredential(ctx context.Context) (credentials.AWS, error) {
	cred, err := a.store.Resolve(ctx)
	if err != nil {
		return credentials.AWS{}, err
	}
	aws, ok := cred.(credentials.AWS)
	if !ok {
		return credentials.AWS{}, fmt.Errorf("%s: credential store %s does not hold AWS credentials", a.cfg.Name, a.store.Name())
	}
	if a.endpointURL == "" && !supportedRegions[aws.Region] {
		return credentials.AWS{}, fmt.Errorf("%s: region %q has no bedrock runtime endpoint", a.cfg.Name, aws.Region)
	}
	return aws, nil
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	aws, err := a.awsCredential(ctx)
	if err != nil {
		return nil, err
	}

	tr, err := translatorFor(a.cfg.ModelName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.cfg.Name, err)
	}

	params := a.effectiveParams(req, false, false)
	payload, err := tr.buildRequest(req.Messages, params)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", a.cfg.Name, err)
	}

	endpoint := a.runtimeEndpoint(aws.Region) + "/model/" + a.cfg.ModelName + "/invoke"

	var body []byte
	err = a.retry.Do(ctx, a.cfg.Name, func() error {
		var callErr error
		body, callErr = a.doSigned(ctx, aws, http.MethodPost, endpoint, payload)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	content, finish, usage, err := tr.parseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", a.cfg.Name, err)
	}

	return &providers.ChatResponse{
		ID:      req.RequestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   a.cfg.ModelName,
		Choices: []providers.ChatChoice{{
			Message:      providers.Message{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		Usage: usage,
	}, nil
}

// StreamChatCompletion uses the Converse stream API and re-encodes its
// events as OpenAI chat.completion.chunk SSE, since the Bedrock wire format
// is not OpenAI-shaped.
func (a *Adapter) StreamChatCompletion(ctx context.Context, req *providers.ChatRequest) (io.ReadCloser, error) {
	aws, err := a.awsCredential(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(converseBody(req.Messages, a.effectiveParams(req, true, false)))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", a.cfg.Name, err)
	}

	endpoint := a.runtimeEndpoint(aws.Region) + "/model/" + a.cfg.ModelName + "/converse-stream"

	var upstream io.ReadCloser
	err = a.retry.Do(ctx, a.cfg.Name, func() error {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if reqErr != nil {
			return reqErr
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if signErr := signRequest(httpReq, aws, payload); signErr != nil {
			return fmt.Errorf("%s: sign: %w", a.cfg.Name, signErr)
		}

		resp, doErr := a.http.Do(httpReq)
		if doErr != nil {
			return fmt.Errorf("%s: %w", a.cfg.Name, doErr)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return a.parseError(resp)
		}
		upstream = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}

	return newChunkStream(upstream, a.cfg.ModelName, req.RequestID), nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	aws, err := a.awsCredential(ctx)
	if err != nil {
		return err
	}

	if len(a.cfg.HealthCheckParams) > 0 {
		probe := &providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: "ping"}},
			Params:   map[string]any{"max_tokens": 1},
		}
		_, err := a.ChatCompletion(ctx, probe)
		return err
	}

	endpoint := a.controlEndpoint(aws.Region) + "/foundation-models"
	_, err = a.doSigned(ctx, aws, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.cfg.Name, err)
	}
	return nil
}

func (a *Adapter) effectiveParams(req *providers.ChatRequest, streaming, health bool) map[string]any {
	in := modelregistry.Input{
		ProviderKind: "bedrock",
		Model:        a.cfg.ModelName,
		Caller:       req.Params,
		UseDefaults:  a.cfg.ApplyModelDefaults(),
	}
	if streaming {
		in.Streaming = a.cfg.StreamingParams
	}
	if health {
		in.HealthCheck = a.cfg.HealthCheckParams
	}
	return a.registry.EffectiveParams(in)
}

// doSigned signs and executes one request, returning the response body.
func (a *Adapter) doSigned(ctx context.Context, aws credentials.AWS, method, endpoint string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := signRequest(req, aws, payload); err != nil {
		return nil, fmt.Errorf("%s: sign: %w", a.cfg.Name, err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.parseError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (a *Adapter) runtimeEndpoint(region string) string {
	if a.endpointURL != "" {
		return a.endpointURL
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
}

func (a *Adapter) controlEndpoint(region string) string {
	if a.endpointURL != "" {
		return a.endpointURL
	}
	return fmt.Sprintf("https://bedrock.%s.amazonaws.com", region)
}

type bedrockError struct {
	Message string `json:"message"`
	Type    string `json:"__type"`
}

func (a *Adapter) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var be bedrockError
	if json.Unmarshal(body, &be) == nil && be.Message != "" {
		return providers.NewError(a.cfg.Name, resp.StatusCode, be.Message)
	}
	return providers.NewError(a.cfg.Name, resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode))
}

// converseBody builds a family-agnostic Converse API request body.
func converseBody(msgs []providers.Message, params map[string]any) map[string]any {
	var system []map[string]string
	wire := make([]map[string]any, 0, len(msgs))

	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, map[string]string{"text": m.Content})
		default:
			role := "user"
			if strings.ToLower(m.Role) == "assistant" {
				role = "assistant"
			}
			wire = append(wire, map[string]any{
				"role":    role,
				"content": []map[string]string{{"text": m.Content}},
			})
		}
	}

	body := map[string]any{"messages": wire}
	if system != nil {
		body["system"] = system
	}

	inference := map[string]any{}
	if v, ok := params["max_tokens"]; ok {
		inference["maxTokens"] = v
	}
	if v, ok := params["temperature"]; ok {
		inference["temperature"] = v
	}
	if v, ok := params["top_p"]; ok {
		inference["topP"] = v
	}
	if len(inference) > 0 {
		body["inferenceConfig"] = inference
	}
	return body
}

// signRequest applies AWS SigV4 to req using the resolved credential.
func signRequest(req *http.Request, aws credentials.AWS, payload []byte) error {
	if aws.Mode != credentials.AWSAuthKeys {
		return fmt.Errorf("auth mode %q requires ambient AWS credentials, only static keys are supported", aws.Mode)
	}

	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf(
		"content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate,
	)
	if aws.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", aws.SessionToken)
		signedHeaders = "content-type;host;x-amz-date;x-amz-security-token"
		canonicalHeaders = fmt.Sprintf(
			"content-type:%s\nhost:%s\nx-amz-date:%s\nx-amz-security-token:%s\n",
			req.Header.Get("Content-Type"), host, amzdate, aws.SessionToken,
		)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		sha256Hex(payload),
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, aws.Region, service)

	stringToSign := strings.Join([]string{
		algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(aws.SecretAccessKey, datestamp, aws.Region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, aws.AccessKeyID, credentialScope, signedHeaders, signature,
	))
	return nil
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
