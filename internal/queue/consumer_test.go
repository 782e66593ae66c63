package queue

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base := time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, maxBackoff},
		{200, maxBackoff},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff(base, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestAttemptFromHeaders(t *testing.T) {
	assert.Equal(t, 1, attemptFromHeaders(nil))
	assert.Equal(t, 1, attemptFromHeaders(amqp.Table{}))
	assert.Equal(t, 3, attemptFromHeaders(amqp.Table{AttemptHeader: int32(3)}))
	assert.Equal(t, 4, attemptFromHeaders(amqp.Table{AttemptHeader: int64(4)}))
	assert.Equal(t, 1, attemptFromHeaders(amqp.Table{AttemptHeader: int32(0)}))
	assert.Equal(t, 1, attemptFromHeaders(amqp.Table{AttemptHeader: "two"}))
}

func TestDecide(t *testing.T) {
	transient := errors.New("classifier busy")

	assert.Equal(t, actionAck, decide(nil, 1, 3))
	assert.Equal(t, actionRetry, decide(transient, 1, 3))
	assert.Equal(t, actionRetry, decide(transient, 2, 3))
	assert.Equal(t, actionDeadLetter, decide(transient, 3, 3), "retries exhausted")
	assert.Equal(t, actionDeadLetter, decide(Permanent(transient), 1, 3))
}

func TestPermanentKeepsCause(t *testing.T) {
	cause := errors.New("bad json")
	err := Permanent(cause)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, cause)
}
