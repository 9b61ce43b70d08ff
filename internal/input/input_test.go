package input

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpen_UnsupportedProtocol(t *testing.T) {
	_, err := Open(context.Background(), Config{URL: "foo://bar", Protocol: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)
}

func TestDefaultHTTPClient_NoOverallTimeout(t *testing.T) {
	client := DefaultHTTPClient()
	assert.Zero(t, client.Timeout, "streaming client must not set an overall request timeout")
}

func TestChanMutex_ExcludesConcurrentAccess(t *testing.T) {
	m := newChanMutex()
	m.lock()

	unlocked := make(chan struct{})
	go func() {
		m.lock()
		close(unlocked)
		m.unlock()
	}()

	select {
	case <-unlocked:
		t.Fatal("second lock acquired before first was released")
	default:
	}

	m.unlock()
	<-unlocked
}
