package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// StreamParser handles parsing of Server-Sent Events (SSE) streams
type StreamParser struct {
	scanner *bufio.Scanner
}

// NewStreamParser creates a new stream parser
func NewStreamParser(reader io.Reader) *StreamParser {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &StreamParser{
		scanner: scanner,
	}
}

// StreamChunk represents a single chunk from the stream
type StreamChunk struct {
	Content      string
	FinishReason string
	Done         bool
	Err          *ErrorBody // set when the provider reports an error mid-stream
}

// Next reads the next chunk from the stream
func (p *StreamParser) Next() (*StreamChunk, error) {
	for p.scanner.Scan() {
		line := p.scanner.Text()

		// Skip comments, keep-alives and event names
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if data == "[DONE]" {
			return &StreamChunk{Done: true}, nil
		}

		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			// Skip invalid JSON lines
			continue
		}

		if resp.Error != nil {
			return &StreamChunk{Err: resp.Error, Done: true}, nil
		}

		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			content := choice.Delta.Content
			if content == "" {
				content = choice.Message.Content
			}
			return &StreamChunk{
				Content:      content,
				FinishReason: choice.FinishReason,
				Done:         choice.FinishReason != "",
			}, nil
		}
	}

	if err := p.scanner.Err(); err != nil {
		return nil, err
	}

	// End of stream
	return &StreamChunk{Done: true}, nil
}

// Collect reads the whole stream and returns the concatenated content. A
// provider error inside the stream is returned as the second value.
func (p *StreamParser) Collect() (string, *ErrorBody, error) {
	var sb strings.Builder
	for {
		chunk, err := p.Next()
		if err != nil {
			return sb.String(), nil, err
		}
		if chunk.Err != nil {
			return sb.String(), chunk.Err, nil
		}

		// Keep content carried by the final chunk
		sb.WriteString(chunk.Content)

		if chunk.Done {
			return sb.String(), nil, nil
		}
	}
}
