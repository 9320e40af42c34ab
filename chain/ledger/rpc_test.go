package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradefleet/fleetd/chain/ethtypes"
)

var testContract = ethtypes.MustParseAddress("0x1000000000000000000000000000000000000001")

type rpcHandler func(req rpcRequest) (interface{}, *rpcError)

// newRPCServer serves single and batched JSON-RPC requests through the
// given handler.
func newRPCServer(t *testing.T, handle rpcHandler) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))

		respond := func(req rpcRequest) rpcResponse {
			result, rerr := handle(req)
			res := rpcResponse{ID: req.ID, Error: rerr}
			if rerr == nil {
				b, err := json.Marshal(result)
				require.NoError(t, err)
				res.Result = b
			}
			return res
		}

		if len(raw) > 0 && raw[0] == '[' {
			var reqs []rpcRequest
			require.NoError(t, json.Unmarshal(raw, &reqs))
			out := make([]rpcResponse, len(reqs))
			for i, req := range reqs {
				out[i] = respond(req)
			}
			require.NoError(t, json.NewEncoder(w).Encode(out))
			return
		}

		var req rpcRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		require.NoError(t, json.NewEncoder(w).Encode(respond(req)))
	}))
}

func TestGetLogs(t *testing.T) {
	topic := ethtypes.EventTopic("Ping(uint64)")
	want := []ethtypes.Log{{
		Address: testContract,
		Topics:  []ethtypes.Hash{topic},
		Data:    ethtypes.Uint64Word(7),
	}}

	srv := newRPCServer(t, func(req rpcRequest) (interface{}, *rpcError) {
		require.Equal(t, "eth_getLogs", req.Method)
		require.Len(t, req.Params, 1)

		f, ok := req.Params[0].(map[string]interface{})
		require.True(t, ok)
		require.Equal(t, testContract.String(), f["address"])
		require.Equal(t, "latest", f["toBlock"])
		// trailing nil topic positions are trimmed
		topics, ok := f["topics"].([]interface{})
		require.True(t, ok)
		require.Len(t, topics, 1)
		return want, nil
	})
	defer srv.Close()

	c := NewRPCClient(srv.URL)
	logs, err := c.GetLogs(context.Background(), FilterQuery{
		Contract: testContract,
		Topics:   [][]ethtypes.Hash{{topic}, nil, nil},
	})
	require.NoError(t, err)
	require.Equal(t, want, logs)
}

func TestBatchReadAlignment(t *testing.T) {
	srv := newRPCServer(t, func(req rpcRequest) (interface{}, *rpcError) {
		require.Equal(t, "eth_call", req.Method)
		call, ok := req.Params[0].(map[string]interface{})
		require.True(t, ok)

		data, err := ethtypes.DecodeHexString(call["data"].(string))
		require.NoError(t, err)
		switch data[0] {
		case 0x01:
			return ethtypes.Bytes(ethtypes.Uint64Word(11)), nil
		case 0x02:
			return nil, &rpcError{Code: 3, Message: "execution reverted"}
		default:
			return ethtypes.Bytes(ethtypes.Uint64Word(33)), nil
		}
	})
	defer srv.Close()

	c := NewRPCClient(srv.URL)
	out, err := c.BatchRead(context.Background(), []ReadCall{
		{To: testContract, Data: ethtypes.Bytes{0x01}},
		{To: testContract, Data: ethtypes.Bytes{0x02}},
		{To: testContract, Data: ethtypes.Bytes{0x03}},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	v, err := ethtypes.DecodeUint64Word(out[0], 0)
	require.NoError(t, err)
	require.Equal(t, uint64(11), v)

	// reverted call yields a nil entry, not an error
	require.Nil(t, out[1])

	v, err = ethtypes.DecodeUint64Word(out[2], 0)
	require.NoError(t, err)
	require.Equal(t, uint64(33), v)
}

func TestBatchReadEmpty(t *testing.T) {
	c := NewRPCClient("http://unused.invalid")
	out, err := c.BatchRead(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestWaitForReceipt(t *testing.T) {
	tx := ethtypes.Hash{0xaa}
	var polls atomic.Int32

	srv := newRPCServer(t, func(req rpcRequest) (interface{}, *rpcError) {
		require.Equal(t, "eth_getTransactionReceipt", req.Method)
		if polls.Add(1) < 3 {
			return nil, nil // not mined yet
		}
		return rpcReceipt{TxHash: tx, Status: 1, BlockNumber: 100}, nil
	})
	defer srv.Close()

	c := NewRPCClient(srv.URL, WithPollIntervals(time.Millisecond, time.Millisecond))
	rec, err := c.WaitForReceipt(context.Background(), tx)
	require.NoError(t, err)
	require.True(t, rec.Ok())
	require.Equal(t, tx, rec.TxHash)
	require.Equal(t, ethtypes.Uint64(100), rec.BlockNumber)
	require.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestWaitForReceiptCancel(t *testing.T) {
	srv := newRPCServer(t, func(req rpcRequest) (interface{}, *rpcError) {
		return nil, nil
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewRPCClient(srv.URL, WithPollIntervals(10*time.Millisecond, time.Millisecond))
	_, err := c.WaitForReceipt(ctx, ethtypes.Hash{0x01})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPostRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NoError(t, json.NewEncoder(w).Encode(rpcResponse{
			ID:     req.ID,
			Result: json.RawMessage(`"0x10"`),
		}))
	}))
	defer srv.Close()

	c := NewRPCClient(srv.URL)
	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, ethtypes.Uint64(16), n)
	require.Equal(t, int32(3), hits.Load())
}

func TestRPCErrorPropagates(t *testing.T) {
	srv := newRPCServer(t, func(req rpcRequest) (interface{}, *rpcError) {
		return nil, &rpcError{Code: -32000, Message: "boom"}
	})
	defer srv.Close()

	c := NewRPCClient(srv.URL)
	_, err := c.ReadOne(context.Background(), testContract, ethtypes.Bytes{0x01})
	require.ErrorContains(t, err, "boom")
}

func TestSubscribeToEvent(t *testing.T) {
	topic := ethtypes.EventTopic("Ping(uint64)")

	var head atomic.Uint64
	head.Store(10)

	srv := newRPCServer(t, func(req rpcRequest) (interface{}, *rpcError) {
		switch req.Method {
		case "eth_blockNumber":
			return ethtypes.Uint64(head.Load()), nil
		case "eth_getLogs":
			f := req.Params[0].(map[string]interface{})
			require.IsType(t, "", f["fromBlock"])
			require.IsType(t, "", f["toBlock"])
			return []ethtypes.Log{{
				Address:     testContract,
				Topics:      []ethtypes.Hash{topic},
				Data:        ethtypes.Uint64Word(head.Load()),
				BlockNumber: ethtypes.Uint64(head.Load()),
			}}, nil
		default:
			return nil, &rpcError{Code: -32601, Message: fmt.Sprintf("unknown method %s", req.Method)}
		}
	})
	defer srv.Close()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	got := make(chan []ethtypes.Log, 8)
	c := NewRPCClient(srv.URL, WithPollIntervals(time.Millisecond, time.Millisecond))
	cancel, err := c.SubscribeToEvent(ctx, FilterQuery{
		Contract: testContract,
		Topics:   [][]ethtypes.Hash{{topic}},
	}, func(logs []ethtypes.Log) { got <- logs })
	require.NoError(t, err)
	defer cancel()

	// nothing delivered while the head has not advanced
	select {
	case logs := <-got:
		t.Fatalf("unexpected delivery before head advanced: %v", logs)
	case <-time.After(20 * time.Millisecond):
	}

	head.Store(12)
	select {
	case logs := <-got:
		require.NotEmpty(t, logs)
		require.Equal(t, ethtypes.Uint64(12), logs[0].BlockNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription delivery")
	}
}
