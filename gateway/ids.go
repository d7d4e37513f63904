package gateway

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

var chatCompletionCounter uint64

// NextChatCompletionID returns a monotonically increasing id of the form
// chatcmpl-<n>.
func NextChatCompletionID() string {
	n := atomic.AddUint64(&chatCompletionCounter, 1)
	return fmt.Sprintf("chatcmpl-%d", n)
}

// NewRequestID mints a request id for log correlation and the
// X-Request-Id response header.
func NewRequestID() string {
	return uuid.New().String()
}
