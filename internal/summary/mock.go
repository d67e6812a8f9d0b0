package summary

import (
	"context"
	"fmt"
	"strings"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lines := 0
	for _, line := range strings.Split(req.Prompt, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	return consumer(Chunk{Content: fmt.Sprintf("- mock summary of %d prompt lines", lines)})
}
