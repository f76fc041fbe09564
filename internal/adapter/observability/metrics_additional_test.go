package observability_test

import (
	"testing"
	"time"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/observability"
	"github.com/stretchr/testify/assert"
)

func TestRecordAITokenUsage(t *testing.T) {
	t.Parallel()

	observability.RecordAITokenUsage("gemini", "prompt", "gemini-2.0-flash", 100)
	observability.RecordAITokenUsage("gemini", "completion", "gemini-2.0-flash", 50)

	assert.True(t, true) // functions return nothing; verify they don't panic
}

func TestRecordCategory(t *testing.T) {
	t.Parallel()

	observability.RecordCategory("Financial Results")
	observability.RecordCategory("Procedural/Administrative")

	assert.True(t, true)
}

func TestRecordCircuitBreakerStatus(t *testing.T) {
	t.Parallel()

	observability.RecordCircuitBreakerStatus("classifier", "call", 0) // Closed
	observability.RecordCircuitBreakerStatus("classifier", "call", 1) // Open
	observability.RecordCircuitBreakerStatus("classifier", "call", 2) // Half-open

	assert.True(t, true)
}

func TestRecordQueueDepth(t *testing.T) {
	t.Parallel()

	observability.RecordQueueDepth("ai_processing", 5)
	observability.RecordQueueDepth("supabase_upload", 0)

	assert.True(t, true)
}

func TestMetricsFunctions_EdgeCases(t *testing.T) {
	t.Parallel()

	observability.RecordAITokenUsage("", "", "", 0)
	observability.RecordCategory("")
	observability.RecordCircuitBreakerStatus("", "", -1)
	observability.RecordQueueDepth("", 0)

	observability.RecordAITokenUsage("test", "test", "test", 999999)
	observability.RecordCircuitBreakerStatus("test", "test", 999)
	observability.RecordQueueDepth("test", -1)

	assert.True(t, true)
}

func TestMetricsFunctions_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	done := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func(index int) {
			observability.RecordAITokenUsage("provider", "operation", "model", index)
			observability.RecordCategory("Financial Results")
			observability.RecordCircuitBreakerStatus("service", "call", index%3)
			observability.RecordQueueDepth("queue", int64(index))
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, true)
}

func TestMetricsFunctions_RealisticScenarios(t *testing.T) {
	t.Parallel()

	scenarios := []struct {
		name     string
		provider string
		model    string
		tokens   int
	}{
		{"Gemini PDF", "gemini", "gemini-2.0-flash", 1200},
		{"Gemini Text", "gemini", "gemini-2.0-flash", 300},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(_ *testing.T) {
			observability.RecordAITokenUsage(scenario.provider, "prompt", scenario.model, scenario.tokens)
			observability.RecordAITokenUsage(scenario.provider, "completion", scenario.model, scenario.tokens/2)

			state := scenario.tokens % 3
			observability.RecordCircuitBreakerStatus(scenario.provider, "generate_content", state)
			observability.RecordQueueDepth("ai_processing", int64(scenario.tokens%50))
		})
	}

	assert.True(t, true)
}

func TestMetricsFunctions_Performance(t *testing.T) {
	t.Parallel()

	start := time.Now()

	for i := 0; i < 1000; i++ {
		observability.RecordAITokenUsage("test", "test", "test", i)
		observability.RecordCategory("Financial Results")
		observability.RecordCircuitBreakerStatus("test", "test", i%3)
		observability.RecordQueueDepth("test", int64(i))
	}

	duration := time.Since(start)

	assert.Less(t, duration, time.Second)
}

func TestMetricsFunctions_StringValues(t *testing.T) {
	t.Parallel()

	providers := []string{"gemini", "custom"}
	categories := []string{"Financial Results", "Board Meeting", "Procedural/Administrative"}
	queues := []string{"ai_processing", "supabase_upload", "investor_processing"}

	for _, provider := range providers {
		observability.RecordAITokenUsage(provider, "prompt", "model", 100)
	}

	for _, category := range categories {
		observability.RecordCategory(category)
	}

	for _, queue := range queues {
		observability.RecordQueueDepth(queue, 1)
	}

	assert.True(t, true)
}
