package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudlet-rpc/codec"
	"cloudlet-rpc/message"
	"cloudlet-rpc/metrics"
)

var getSpec = &message.Specification{Identifier: "kv.get.request", Type: message.Request, Operation: "GET", Coder: codec.String}

func request() *message.Message {
	return &message.Message{Specification: getSpec, Session: "s-1", Correlation: "s-1-1", Payload: "k1"}
}

func echoHandler(ctx context.Context, req *message.Message) *message.Outcome {
	return message.Success(req.Payload)
}

func slowHandler(ctx context.Context, req *message.Message) *message.Outcome {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return message.Success("late")
}

type temporary struct{}

func (temporary) Error() string   { return "backend busy" }
func (temporary) Temporary() bool { return true }

func TestLogging(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	outcome := Logging(logger)(echoHandler)(context.Background(), request())
	require.NoError(t, outcome.Err)
	assert.Equal(t, "k1", outcome.Payload)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "request handled", entry.Message)
	assert.Equal(t, "GET", entry.Data["op"])

	failing := func(context.Context, *message.Message) *message.Outcome {
		return message.Failure(errors.New("no such key"))
	}
	Logging(logger)(failing)(context.Background(), request())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestTimeoutPass(t *testing.T) {
	outcome := Timeout(500*time.Millisecond)(echoHandler)(context.Background(), request())
	assert.NoError(t, outcome.Err)
}

func TestTimeoutExceeded(t *testing.T) {
	outcome := Timeout(50*time.Millisecond)(slowHandler)(context.Background(), request())
	assert.ErrorIs(t, outcome.Err, ErrTimeout)

	var kinded interface{ ErrorKind() string }
	require.ErrorAs(t, outcome.Err, &kinded)
	assert.Equal(t, "timeout", kinded.ErrorKind())
}

func TestRateLimit(t *testing.T) {
	// burst=2: the first two pass at once, the third is refused
	handler := RateLimit(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		assert.NoError(t, handler(context.Background(), request()).Err, "request %d", i)
	}
	assert.ErrorIs(t, handler(context.Background(), request()).Err, ErrRateLimited)
}

func TestRetry(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var calls atomic.Int32
	flaky := func(context.Context, *message.Message) *message.Outcome {
		if calls.Add(1) < 3 {
			return message.Failure(temporary{})
		}
		return message.Success("ok")
	}
	outcome := Retry(3, time.Millisecond, logger)(flaky)(context.Background(), request())
	require.NoError(t, outcome.Err)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	permanent := func(context.Context, *message.Message) *message.Outcome {
		calls.Add(1)
		return message.Failure(errors.New("bad input"))
	}
	outcome = Retry(3, time.Millisecond, logger)(permanent)(context.Background(), request())
	assert.Error(t, outcome.Err)
	assert.Equal(t, int32(1), calls.Load())

	assert.True(t, Retryable(ErrRateLimited))
	assert.False(t, Retryable(ErrTimeout))
}

func TestRecovery(t *testing.T) {
	logger, hook := test.NewNullLogger()
	panicking := func(context.Context, *message.Message) *message.Outcome {
		panic("nil map")
	}
	outcome := Recovery(logger)(panicking)(context.Background(), request())
	assert.ErrorIs(t, outcome.Err, ErrPanic)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, "mw")
	require.NoError(t, err)
	handler := Metrics(m)(echoHandler)
	handler(context.Background(), request())
	handler(context.Background(), request())

	// one series: operation=GET, outcome=ok
	count, err := testutil.GatherAndCount(reg, "mw_driver_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Message) *message.Outcome {
				order = append(order, name+" in")
				out := next(ctx, req)
				order = append(order, name+" out")
				return out
			}
		}
	}
	logger, _ := test.NewNullLogger()
	handler := Chain(mark("a"), Logging(logger), Timeout(500*time.Millisecond), mark("b"))(echoHandler)

	outcome := handler(context.Background(), request())
	require.NoError(t, outcome.Err)
	assert.Equal(t, []string{"a in", "b in", "b out", "a out"}, order)
}
