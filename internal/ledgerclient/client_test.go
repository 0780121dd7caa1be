package ledgerclient

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/model"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "http://ledger.local"

func newTestClient(t *testing.T) *Client {
	c := New(config.LedgerConfig{Url: baseURL, ApiKey: "secret"})
	httpmock.ActivateNonDefault(c.HTTPClient().GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestQueryEvents(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", baseURL+"/streams/OwnershipRegistry.TransferInitiated/events",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "secret", req.Header.Get("X-API-Key"))
			q := req.URL.Query()
			assert.Equal(t, "TransferInitiated", q.Get("event_type"))
			assert.Equal(t, "10", q.Get("from"))
			assert.Equal(t, "20", q.Get("to"))
			assert.Equal(t, "A1", q.Get("bin"))
			return httpmock.NewJsonResponse(200, map[string]interface{}{
				"events": []map[string]interface{}{
					{"record_keeper": "OwnershipRegistry", "asset_id": "A1", "sequence": 12, "transaction_id": "0x1",
						"fields": map[string]interface{}{"proposer": "alice"}},
				},
			})
		})

	events, err := c.QueryEvents(context.Background(), model.EventQuery{
		StreamID: "OwnershipRegistry.TransferInitiated", EventType: "TransferInitiated",
		Filter: map[string]string{"bin": "A1"}, From: 10, To: 20,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(12), events[0].Sequence)
	assert.Equal(t, "OwnershipRegistry.TransferInitiated", events[0].StreamID)
	assert.Equal(t, "TransferInitiated", events[0].EventType)
	assert.Equal(t, "alice", events[0].Fields["proposer"])
}

func TestQueryEvents_LookbackExceeded(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", baseURL+"/streams/S1/events",
		httpmock.NewStringResponder(http.StatusGone, `{"error":"lookback_exceeded"}`))
	_, err := c.QueryEvents(context.Background(), model.EventQuery{StreamID: "S1", From: 1, To: 5})
	assert.True(t, errors.Is(err, model.ErrLookbackExceeded))

	httpmock.RegisterResponder("GET", baseURL+"/streams/S2/events",
		httpmock.NewStringResponder(http.StatusOK, `{"events":[],"error":"lookback_exceeded"}`))
	_, err = c.QueryEvents(context.Background(), model.EventQuery{StreamID: "S2", From: 1, To: 5})
	assert.True(t, errors.Is(err, model.ErrLookbackExceeded))
}

func TestQueryEvents_ServerError(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", baseURL+"/streams/S1/events",
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	_, err := c.QueryEvents(context.Background(), model.EventQuery{StreamID: "S1", From: 1, To: 5})
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.False(t, errors.Is(err, model.ErrLookbackExceeded))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.Status)
}

func TestCurrentHeadAndResolveTimestamp(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", baseURL+"/streams/S1/head",
		httpmock.NewStringResponder(200, `{"sequence": 420}`))
	httpmock.RegisterResponder("GET", baseURL+"/streams/S1/blocks/42",
		httpmock.NewStringResponder(200, `{"timestamp": 1700000000}`))

	head, err := c.CurrentHead(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, uint64(420), head)

	ts, err := c.ResolveTimestamp(context.Background(), "S1", 42)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ts)
}

func TestPendingTransfers(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", baseURL+"/assets/A1/pending-transfers",
		httpmock.NewStringResponder(200, `{"transfers":[{"proposer":"alice","recipient":"bob","proposed_new_state":"SecondLife","initiated_at":1700000000,"is_active":true}]}`))

	transfers, err := c.PendingTransfers(context.Background(), "A1")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, model.PendingTransfer{
		AssetID: "A1", Proposer: "alice", Recipient: "bob", ProposedNewState: "SecondLife",
		InitiatedAt: time.Unix(1700000000, 0).UTC(), IsActive: true,
	}, transfers[0])
}

func TestContextCancelled(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", baseURL+"/streams/S1/head",
		httpmock.NewStringResponder(200, `{"sequence": 1}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.CurrentHead(ctx, "S1")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRateLimitedCallReportsDeadline(t *testing.T) {
	c := New(config.LedgerConfig{Url: baseURL, RequestsPerSecond: 0.01, Burst: 1})
	httpmock.ActivateNonDefault(c.HTTPClient().GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	httpmock.RegisterResponder("GET", baseURL+"/streams/S1/head",
		httpmock.NewStringResponder(http.StatusOK, `{"sequence": 7}`))

	head, err := c.CurrentHead(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), head)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.CurrentHead(ctx, "S1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrUnreachable))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}
