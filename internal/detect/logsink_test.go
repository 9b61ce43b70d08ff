package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogSink_DetectNeverErrors(t *testing.T) {
	sink := NewLogSink(nil)
	err := sink.Detect(context.Background(), newTask("cam-a"))
	assert.NoError(t, err)
}
