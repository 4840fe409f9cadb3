package request

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-core/internal/queue"
	"exchange-core/pkg/exchanges/common"
)

// echoWorker answers every request with the given responder.
func echoWorker(ctx context.Context, t *testing.T, tr queue.Transport, respond func(queue.Request) queue.Response) {
	t.Helper()
	reqs, err := tr.Requests(ctx)
	require.NoError(t, err)
	go func() {
		for req := range reqs {
			_ = tr.PublishResponse(ctx, req.ReplyTo, respond(req))
		}
	}()
}

func TestDoRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := queue.NewMemoryTransport(10)
	defer tr.Close()

	echoWorker(ctx, t, tr, func(req queue.Request) queue.Response {
		assert.Equal(t, ActionFetchBalance, req.Action)
		assert.Equal(t, "u1", req.UserID)
		data, _ := json.Marshal(map[string]common.Balance{
			"USDT": {Available: 42, Total: 42},
		})
		return queue.Response{RequestID: req.ID, OK: true, Data: data}
	})

	client, err := NewClient(ctx, tr)
	require.NoError(t, err)

	var balances map[string]common.Balance
	require.NoError(t, client.Do(ctx, "u1", "b1", ActionFetchBalance, nil, &balances))
	assert.Equal(t, 42.0, balances["USDT"].Available)
}

func TestDoSurfacesWorkerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := queue.NewMemoryTransport(10)
	defer tr.Close()

	echoWorker(ctx, t, tr, func(req queue.Request) queue.Response {
		return queue.Response{
			RequestID: req.ID,
			OK:        false,
			ErrorKind: string(common.KindAuthorization),
			Error:     "access denied",
		}
	})

	client, err := NewClient(ctx, tr)
	require.NoError(t, err)

	doErr := client.Do(ctx, "u1", "b1", ActionPlaceOrder, map[string]string{"symbol": "BTC/USDT"}, nil)
	require.Error(t, doErr)
	assert.True(t, common.IsKind(doErr, common.KindAuthorization))
	assert.Contains(t, doErr.Error(), "access denied")
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := queue.NewMemoryTransport(10)
	defer tr.Close()
	// No worker: the request will never be answered.

	client, err := NewClient(ctx, tr)
	require.NoError(t, err)

	callCtx, callCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer callCancel()

	doErr := client.Do(callCtx, "u1", "b1", ActionFetchBalance, nil, nil)
	assert.ErrorIs(t, doErr, context.DeadlineExceeded)
}

func TestTimeoutTiers(t *testing.T) {
	assert.Equal(t, orderTimeout, timeoutFor(ActionPlaceOrder))
	assert.Equal(t, orderTimeout, timeoutFor(ActionExecuteTrade))
	assert.Equal(t, listingTimeout, timeoutFor(ActionOrderHistory))
	assert.Equal(t, readTimeout, timeoutFor(ActionFetchTicker))
	assert.Equal(t, readTimeout, timeoutFor("something_new"))
}

func TestTimeoutErrorNamesAction(t *testing.T) {
	err := &TimeoutError{Action: ActionPlaceOrder, Elapsed: 120 * time.Second}
	assert.Contains(t, err.Error(), ActionPlaceOrder)
	assert.Contains(t, err.Error(), "timed out")
}

func TestLateResponseIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := queue.NewMemoryTransport(10)
	defer tr.Close()

	// Worker holds the request until the caller has given up.
	var held queue.Request
	reqs, err := tr.Requests(ctx)
	require.NoError(t, err)
	gotReq := make(chan struct{})
	go func() {
		held = <-reqs
		close(gotReq)
	}()

	client, err := NewClient(ctx, tr)
	require.NoError(t, err)

	callCtx, callCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer callCancel()
	require.Error(t, client.Do(callCtx, "u1", "b1", ActionFetchBalance, nil, nil))

	<-gotReq
	// The late answer must be consumed without disturbing later requests.
	require.NoError(t, tr.PublishResponse(ctx, held.ReplyTo, queue.Response{RequestID: held.ID, OK: true}))

	echoWorker(ctx, t, tr, func(req queue.Request) queue.Response {
		return queue.Response{RequestID: req.ID, OK: true}
	})
	require.NoError(t, client.Do(ctx, "u1", "b1", ActionFetchBalance, nil, nil))
}
