package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// StreamParser handles parsing of Server-Sent Events (SSE) streams.
type StreamParser struct {
	scanner *bufio.Scanner
}

// NewStreamParser creates a new stream parser.
func NewStreamParser(reader io.Reader) *StreamParser {
	scanner := bufio.NewScanner(reader)
	// Data lines can exceed the default 64KB token limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &StreamParser{scanner: scanner}
}

// StreamChunk represents a single chunk from the stream.
type StreamChunk struct {
	Content      string
	FinishReason string
	Done         bool
}

// Next reads the next chunk from the stream.
func (p *StreamParser) Next() (*StreamChunk, error) {
	for p.scanner.Scan() {
		line := p.scanner.Text()

		// Skip non-data lines
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// Check for end marker
		if data == "[DONE]" {
			return &StreamChunk{Done: true}, nil
		}

		// Skip invalid JSON lines
		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}

		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			return &StreamChunk{
				Content:      choice.Delta.Content,
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

// ParseAll reads all chunks from the stream and sends their content to a channel.
func (p *StreamParser) ParseAll(tokens chan<- string) error {
	for {
		chunk, err := p.Next()
		if err != nil {
			return err
		}

		// Send content if present, even on the final chunk
		if chunk.Content != "" {
			tokens <- chunk.Content
		}

		if chunk.Done {
			break
		}
	}

	return nil
}
