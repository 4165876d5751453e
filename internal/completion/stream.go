package completion

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/bytedance/sonic"
)

// DeltaHandler receives each text fragment in arrival order. Returning an error
// aborts the stream.
type DeltaHandler func(delta string) error

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ParseFrame decodes one "data:" line. ok is false for lines that carry no text.
func ParseFrame(line string) (delta string, ok bool, err error) {
	if !strings.HasPrefix(line, "data:") {
		return "", false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == "[DONE]" {
		return "", false, nil
	}

	var ev streamEvent
	if err := sonic.UnmarshalString(payload, &ev); err != nil {
		return "", false, &StreamParseError{Payload: payload, Err: err}
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Text == "" {
			return "", false, nil
		}
		return ev.Delta.Text, true, nil
	case "error":
		msg := "unknown error"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		log.Printf("[completion] stream error frame: %s", msg)
	}
	return "", false, nil
}

// decodeStream reads newline-delimited frames from body, forwarding text deltas
// to onDelta and returning the concatenated text.
func decodeStream(body io.Reader, onDelta DeltaHandler, onParseError func(error)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		delta, ok, err := ParseFrame(strings.TrimRight(scanner.Text(), "\r"))
		if err != nil {
			log.Printf("[completion] skipping frame: %v", err)
			if onParseError != nil {
				onParseError(err)
			}
			continue
		}
		if !ok {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return out.String(), err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return out.String(), fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}
