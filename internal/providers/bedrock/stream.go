package bedrock

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// converseEvent is the subset of Converse stream events we forward.
type converseEvent struct {
	ContentBlockDelta *struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"contentBlockDelta"`
	MessageStop *struct {
		StopReason string `json:"stopReason"`
	} `json:"messageStop"`
}

// chunkChoice mirrors the OpenAI chat.completion.chunk choice shape.
type chunkChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type chunkPayload struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

// newChunkStream re-encodes Converse stream events as OpenAI-format SSE.
// The returned reader owns the upstream body and closes it on EOF or Close.
func newChunkStream(upstream io.ReadCloser, model, requestID string) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer upstream.Close()

		created := time.Now().Unix()
		emit := func(delta map[string]any, finish *string) error {
			payload := chunkPayload{
				ID:      requestID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []chunkChoice{{Delta: delta, FinishReason: finish}},
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(pw, "data: %s\n\n", data)
			return err
		}

		scanner := bufio.NewScanner(upstream)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var ev converseEvent
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}

			if ev.ContentBlockDelta != nil && ev.ContentBlockDelta.Delta.Text != "" {
				if emit(map[string]any{"content": ev.ContentBlockDelta.Delta.Text}, nil) != nil {
					return
				}
			}
			if ev.MessageStop != nil {
				finish := "stop"
				if ev.MessageStop.StopReason == "max_tokens" {
					finish = "length"
				}
				if emit(map[string]any{}, &finish) != nil {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			pw.CloseWithError(err)
			return
		}
		fmt.Fprint(pw, "data: [DONE]\n\n")
		pw.Close()
	}()

	return pr
}
