package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestUsageConservation exercises invariant 4 below: after any
// sequence of record calls, global == sum of by_credential == sum of
// by_model, for input, output, and request count.
func TestUsageConservation(t *testing.T) {
	a := NewAccountant()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred := []string{"cred_0001", "cred_0002"}[i%2]
			model := []string{"gemini-1.5-pro", "gemini-1.5-flash"}[i%3%2]
			a.Record(cred, model, int64(10+i), int64(5+i))
		}(i)
	}
	wg.Wait()

	summary := a.Summary()

	var sumCredInput, sumCredOutput, sumCredReq int64
	for _, agg := range summary.ByCred {
		sumCredInput += agg.InputTokens
		sumCredOutput += agg.OutputTokens
		sumCredReq += agg.Requests
	}
	var sumModelInput, sumModelOutput, sumModelReq int64
	for _, agg := range summary.ByModel {
		sumModelInput += agg.InputTokens
		sumModelOutput += agg.OutputTokens
		sumModelReq += agg.Requests
	}

	assert.Equal(t, summary.Global.InputTokens, sumCredInput)
	assert.Equal(t, summary.Global.OutputTokens, sumCredOutput)
	assert.Equal(t, summary.Global.Requests, sumCredReq)

	assert.Equal(t, summary.Global.InputTokens, sumModelInput)
	assert.Equal(t, summary.Global.OutputTokens, sumModelOutput)
	assert.Equal(t, summary.Global.Requests, sumModelReq)
}

func TestEstimateInputTokens(t *testing.T) {
	assert.Equal(t, int64(1), EstimateInputTokens("", 0))
	assert.Equal(t, int64(2), EstimateInputTokens("12345678", 0))
	assert.Equal(t, int64(302), EstimateInputTokens("12345678", 1))
}

func TestLatencyMeanStdDev_EmptyAndSingle(t *testing.T) {
	mean, stddev := latencyMeanStdDev(nil)
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 0.0, stddev)

	mean, stddev = latencyMeanStdDev([]float64{10})
	assert.Equal(t, 10.0, mean)
	assert.Equal(t, 0.0, stddev)
}
