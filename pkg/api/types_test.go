package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinJobMemory(t *testing.T) {
	request := &WorkflowStartRequest{
		Complexity: []JobShape{{Jobs: 8, MemoryBytes: 5}, {Jobs: 5, MemoryBytes: 10}},
	}
	assert.Equal(t, int64(5), request.MinJobMemory())

	request = &WorkflowStartRequest{
		Complexity: []JobShape{{Jobs: 1, MemoryBytes: 8589934592}, {Jobs: 2, MemoryBytes: 4294967296}},
	}
	assert.Equal(t, int64(4294967296), request.MinJobMemory())

	request = &WorkflowStartRequest{Complexity: []JobShape{{Jobs: 2, MemoryBytes: 10}}}
	assert.Equal(t, int64(10), request.MinJobMemory())

	request = &WorkflowStartRequest{}
	assert.Equal(t, int64(0), request.MinJobMemory())
}

func TestMinJobMemory_ExplicitFieldWins(t *testing.T) {
	request := &WorkflowStartRequest{
		MinJobMemoryBytes: 1024,
		Complexity:        []JobShape{{Jobs: 1, MemoryBytes: 5}},
	}
	assert.Equal(t, int64(1024), request.MinJobMemory())
}

func TestComplexityScore(t *testing.T) {
	request := &WorkflowStartRequest{
		Complexity: []JobShape{{Jobs: 8, MemoryBytes: 5}, {Jobs: 5, MemoryBytes: 10}},
	}
	assert.Equal(t, int64(13), request.ComplexityScore())

	request = &WorkflowStartRequest{}
	assert.Equal(t, int64(0), request.ComplexityScore())
}
