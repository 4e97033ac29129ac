package bedrock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
)

// translator converts between the normalized chat shape and one Bedrock
// model family's invoke API body.
type translator interface {
	buildRequest(msgs []providers.Message, params map[string]any) ([]byte, error)
	parseResponse(body []byte) (content, finishReason string, usage providers.Usage, err error)
}

// translatorFor selects a translator by model id prefix
// (e.g. "anthropic.claude-3-5-sonnet-20241022-v2:0" -> anthropic family).
func translatorFor(modelID string) (translator, error) {
	family := modelID
	if i := strings.Index(modelID, "."); i > 0 {
		family = modelID[:i]
	}
	switch family {
	case "anthropic":
		return claudeTranslator{}, nil
	case "meta":
		return llamaTranslator{}, nil
	case "amazon":
		if strings.HasPrefix(modelID, "amazon.nova") {
			return novaTranslator{}, nil
		}
		return titanTranslator{}, nil
	case "mistral":
		return mistralTranslator{}, nil
	default:
		return nil, fmt.Errorf("unsupported model family %q", family)
	}
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

// ─── Anthropic (Claude) ──────────────────────────────────────────────────────

type claudeTranslator struct{}

func (claudeTranslator) buildRequest(msgs []providers.Message, params map[string]any) ([]byte, error) {
	var system strings.Builder
	wire := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		role := strings.ToLower(m.Role)
		if role == "system" || role == "developer" {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}
		if role != "assistant" {
			role = "user"
		}
		wire = append(wire, map[string]string{"role": role, "content": m.Content})
	}

	body := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        intParam(params, "max_tokens", 4096),
		"messages":          wire,
	}
	if system.Len() > 0 {
		body["system"] = system.String()
	}
	if v, ok := params["temperature"]; ok {
		body["temperature"] = v
	}
	if v, ok := params["top_p"]; ok {
		body["top_p"] = v
	}
	if v, ok := params["stop_sequences"]; ok {
		body["stop_sequences"] = v
	}
	return json.Marshal(body)
}

func (claudeTranslator) parseResponse(body []byte) (string, string, providers.Usage, error) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", providers.Usage{}, err
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		sb.WriteString(c.Text)
	}

	finish := "stop"
	if resp.StopReason == "max_tokens" {
		finish = "length"
	}
	usage := providers.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return sb.String(), finish, usage, nil
}

// ─── Meta (Llama) ────────────────────────────────────────────────────────────

type llamaTranslator struct{}

func (llamaTranslator) buildRequest(msgs []providers.Message, params map[string]any) ([]byte, error) {
	var prompt strings.Builder
	prompt.WriteString("<|begin_of_text|>")
	for _, m := range msgs {
		role := strings.ToLower(m.Role)
		if role == "developer" {
			role = "system"
		}
		fmt.Fprintf(&prompt, "<|start_header_id|>%s<|end_header_id|>\n%s<|eot_id|>", role, m.Content)
	}
	prompt.WriteString("<|start_header_id|>assistant<|end_header_id|>\n")

	body := map[string]any{
		"prompt":      prompt.String(),
		"max_gen_len": intParam(params, "max_tokens", 2048),
	}
	if v, ok := params["temperature"]; ok {
		body["temperature"] = v
	}
	if v, ok := params["top_p"]; ok {
		body["top_p"] = v
	}
	return json.Marshal(body)
}

func (llamaTranslator) parseResponse(body []byte) (string, string, providers.Usage, error) {
	var resp struct {
		Generation           string `json:"generation"`
		StopReason           string `json:"stop_reason"`
		PromptTokenCount     int    `json:"prompt_token_count"`
		GenerationTokenCount int    `json:"generation_token_count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", providers.Usage{}, err
	}

	finish := "stop"
	if resp.StopReason == "length" {
		finish = "length"
	}
	usage := providers.Usage{
		PromptTokens:     resp.PromptTokenCount,
		CompletionTokens: resp.GenerationTokenCount,
		TotalTokens:      resp.PromptTokenCount + resp.GenerationTokenCount,
	}
	return resp.Generation, finish, usage, nil
}

// ─── Amazon Nova ─────────────────────────────────────────────────────────────

type novaTranslator struct{}

func (novaTranslator) buildRequest(msgs []providers.Message, params map[string]any) ([]byte, error) {
	var system []map[string]string
	wire := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		role := strings.ToLower(m.Role)
		if role == "system" || role == "developer" {
			system = append(system, map[string]string{"text": m.Content})
			continue
		}
		if role != "assistant" {
			role = "user"
		}
		wire = append(wire, map[string]any{
			"role":    role,
			"content": []map[string]string{{"text": m.Content}},
		})
	}

	inference := map[string]any{"maxTokens": intParam(params, "max_tokens", 2048)}
	if v, ok := params["temperature"]; ok {
		inference["temperature"] = v
	}
	if v, ok := params["top_p"]; ok {
		inference["topP"] = v
	}

	body := map[string]any{
		"messages":        wire,
		"inferenceConfig": inference,
	}
	if system != nil {
		body["system"] = system
	}
	return json.Marshal(body)
}

func (novaTranslator) parseResponse(body []byte) (string, string, providers.Usage, error) {
	var resp struct {
		Output struct {
			Message struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		} `json:"output"`
		StopReason string `json:"stopReason"`
		Usage      struct {
			InputTokens  int `json:"inputTokens"`
			OutputTokens int `json:"outputTokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", providers.Usage{}, err
	}

	var sb strings.Builder
	for _, c := range resp.Output.Message.Content {
		sb.WriteString(c.Text)
	}

	finish := "stop"
	if resp.StopReason == "max_tokens" {
		finish = "length"
	}
	usage := providers.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return sb.String(), finish, usage, nil
}

// ─── Amazon Titan ────────────────────────────────────────────────────────────

type titanTranslator struct{}

func (titanTranslator) buildRequest(msgs []providers.Message, params map[string]any) ([]byte, error) {
	var prompt strings.Builder
	for _, m := range msgs {
		label := "User"
		if strings.ToLower(m.Role) == "assistant" {
			label = "Bot"
		}
		fmt.Fprintf(&prompt, "%s: %s\n", label, m.Content)
	}
	prompt.WriteString("Bot: ")

	textConfig := map[string]any{"maxTokenCount": intParam(params, "max_tokens", 2048)}
	if v, ok := params["temperature"]; ok {
		textConfig["temperature"] = v
	}
	if v, ok := params["top_p"]; ok {
		textConfig["topP"] = v
	}

	return json.Marshal(map[string]any{
		"inputText":            prompt.String(),
		"textGenerationConfig": textConfig,
	})
}

func (titanTranslator) parseResponse(body []byte) (string, string, providers.Usage, error) {
	var resp struct {
		InputTextTokenCount int `json:"inputTextTokenCount"`
		Results             []struct {
			OutputText       string `json:"outputText"`
			TokenCount       int    `json:"tokenCount"`
			CompletionReason string `json:"completionReason"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", providers.Usage{}, err
	}
	if len(resp.Results) == 0 {
		return "", "", providers.Usage{}, fmt.Errorf("empty titan response")
	}

	r := resp.Results[0]
	finish := "stop"
	if r.CompletionReason == "LENGTH" {
		finish = "length"
	}
	usage := providers.Usage{
		PromptTokens:     resp.InputTextTokenCount,
		CompletionTokens: r.TokenCount,
		TotalTokens:      resp.InputTextTokenCount + r.TokenCount,
	}
	return r.OutputText, finish, usage, nil
}

// ─── Mistral ─────────────────────────────────────────────────────────────────

type mistralTranslator struct{}

func (mistralTranslator) buildRequest(msgs []providers.Message, params map[string]any) ([]byte, error) {
	var prompt strings.Builder
	prompt.WriteString("<s>")
	for _, m := range msgs {
		role := strings.ToLower(m.Role)
		if role == "assistant" {
			fmt.Fprintf(&prompt, "%s</s>", m.Content)
			continue
		}
		fmt.Fprintf(&prompt, "[INST] %s [/INST]", m.Content)
	}

	body := map[string]any{
		"prompt":     prompt.String(),
		"max_tokens": intParam(params, "max_tokens", 2048),
	}
	if v, ok := params["temperature"]; ok {
		body["temperature"] = v
	}
	if v, ok := params["top_p"]; ok {
		body["top_p"] = v
	}
	return json.Marshal(body)
}

func (mistralTranslator) parseResponse(body []byte) (string, string, providers.Usage, error) {
	var resp struct {
		Outputs []struct {
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", providers.Usage{}, err
	}
	if len(resp.Outputs) == 0 {
		return "", "", providers.Usage{}, fmt.Errorf("empty mistral response")
	}

	r := resp.Outputs[0]
	finish := "stop"
	if r.StopReason == "length" {
		finish = "length"
	}
	return r.Text, finish, providers.Usage{}, nil
}
