package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/tradefleet/fleetd/chain/ethtypes"
)

const (
	defaultReceiptPoll = 4 * time.Second
	defaultSubPoll     = 6 * time.Second
	maxRPCAttempts     = 4
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcReceipt struct {
	TxHash      ethtypes.Hash   `json:"transactionHash"`
	Status      ethtypes.Uint64 `json:"status"`
	BlockNumber ethtypes.Uint64 `json:"blockNumber"`
	Logs        []ethtypes.Log  `json:"logs"`
}

// RPCClient implements Client over a plain HTTP JSON-RPC endpoint.
// Batched reads map onto JSON-RPC batch arrays; event subscriptions are
// realized by polling eth_getLogs over advancing block ranges, which
// keeps the transport to a single stateless HTTP connection.
type RPCClient struct {
	endpoint    string
	hc          *http.Client
	clk         clock.Clock
	receiptPoll time.Duration
	subPoll     time.Duration

	nextID atomic.Uint64
}

type RPCOption func(*RPCClient)

func WithHTTPClient(hc *http.Client) RPCOption {
	return func(c *RPCClient) { c.hc = hc }
}

func WithClock(clk clock.Clock) RPCOption {
	return func(c *RPCClient) { c.clk = clk }
}

func WithPollIntervals(receipt, sub time.Duration) RPCOption {
	return func(c *RPCClient) {
		c.receiptPoll = receipt
		c.subPoll = sub
	}
}

func NewRPCClient(endpoint string, opts ...RPCOption) *RPCClient {
	c := &RPCClient{
		endpoint:    endpoint,
		hc:          &http.Client{Timeout: 30 * time.Second},
		clk:         clock.New(),
		receiptPoll: defaultReceiptPoll,
		subPoll:     defaultSubPoll,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ Client = (*RPCClient)(nil)

func (c *RPCClient) post(ctx context.Context, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return xerrors.Errorf("marshaling rpc request: %w", err)
	}

	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < maxRPCAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clk.After(b.Duration()):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(res.Body)
		res.Body.Close() // nolint:errcheck
		if err != nil {
			lastErr = err
			continue
		}
		if res.StatusCode >= 500 {
			lastErr = xerrors.Errorf("rpc endpoint returned %d: %s", res.StatusCode, string(data))
			continue
		}
		if res.StatusCode != http.StatusOK {
			return xerrors.Errorf("rpc endpoint returned %d: %s", res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return xerrors.Errorf("unmarshaling rpc response: %w", err)
		}
		return nil
	}
	return xerrors.Errorf("rpc request failed after %d attempts: %w", maxRPCAttempts, lastErr)
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}

	var res rpcResponse
	if err := c.post(ctx, req, &res); err != nil {
		return err
	}
	if res.Error != nil {
		return xerrors.Errorf("%s: %w", method, res.Error)
	}
	if out != nil {
		if err := json.Unmarshal(res.Result, out); err != nil {
			return xerrors.Errorf("unmarshaling %s result: %w", method, err)
		}
	}
	return nil
}

func filterParam(q FilterQuery) map[string]interface{} {
	topics := make([]interface{}, len(q.Topics))
	for i, t := range q.Topics {
		if t == nil {
			topics[i] = nil
			continue
		}
		topics[i] = t
	}
	// trim trailing nil positions, some endpoints reject them
	for len(topics) > 0 && topics[len(topics)-1] == nil {
		topics = topics[:len(topics)-1]
	}

	f := map[string]interface{}{
		"address":   q.Contract,
		"topics":    topics,
		"fromBlock": q.FromBlock,
	}
	if q.ToBlock == 0 {
		f["toBlock"] = "latest"
	} else {
		f["toBlock"] = q.ToBlock
	}
	return f
}

func (c *RPCClient) GetLogs(ctx context.Context, q FilterQuery) ([]ethtypes.Log, error) {
	var logs []ethtypes.Log
	if err := c.call(ctx, "eth_getLogs", []interface{}{filterParam(q)}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (c *RPCClient) ReadOne(ctx context.Context, to ethtypes.Address, data ethtypes.Bytes) (ethtypes.Bytes, error) {
	var out ethtypes.Bytes
	params := []interface{}{map[string]interface{}{"to": to, "data": data}, "latest"}
	if err := c.call(ctx, "eth_call", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCClient) BatchRead(ctx context.Context, calls []ReadCall) ([]ethtypes.Bytes, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]rpcRequest, len(calls))
	byID := make(map[uint64]int, len(calls))
	for i, rc := range calls {
		id := c.nextID.Add(1)
		byID[id] = i
		reqs[i] = rpcRequest{
			JSONRPC: "2.0",
			ID:      id,
			Method:  "eth_call",
			Params:  []interface{}{map[string]interface{}{"to": rc.To, "data": rc.Data}, "latest"},
		}
	}

	var responses []rpcResponse
	if err := c.post(ctx, reqs, &responses); err != nil {
		return nil, err
	}

	out := make([]ethtypes.Bytes, len(calls))
	for _, res := range responses {
		i, ok := byID[res.ID]
		if !ok {
			log.Warnf("batch read: response for unknown id %d", res.ID)
			continue
		}
		if res.Error != nil {
			// individual call failure (reverted / not deployed), the
			// caller's fallback chain decides what to do
			log.Debugf("batch read call %d failed: %s", i, res.Error)
			continue
		}
		var data ethtypes.Bytes
		if err := json.Unmarshal(res.Result, &data); err != nil {
			log.Warnf("batch read call %d: undecodable result: %s", i, err)
			continue
		}
		out[i] = data
	}
	return out, nil
}

func (c *RPCClient) WaitForReceipt(ctx context.Context, tx ethtypes.Hash) (*Receipt, error) {
	for {
		var rec *rpcReceipt
		err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{tx}, &rec)
		if err != nil {
			return nil, xerrors.Errorf("fetching receipt for %s: %w", tx, err)
		}
		if rec != nil {
			return &Receipt{
				TxHash:      rec.TxHash,
				Status:      uint64(rec.Status),
				BlockNumber: rec.BlockNumber,
				Logs:        rec.Logs,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clk.After(c.receiptPoll):
		}
	}
}

func (c *RPCClient) BlockNumber(ctx context.Context) (ethtypes.Uint64, error) {
	var n ethtypes.Uint64
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// SubscribeToEvent polls eth_getLogs over advancing block ranges and
// feeds matches to sink. Delivery starts at the head observed when the
// subscription is created; historical logs are the caller's business
// (see the reconcile pass).
func (c *RPCClient) SubscribeToEvent(ctx context.Context, q FilterQuery, sink func([]ethtypes.Log)) (func(), error) {
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, xerrors.Errorf("resolving head for subscription: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	from := head + 1

	go func() {
		ticker := c.clk.Ticker(c.subPoll)
		defer ticker.Stop()

		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
			}

			head, err := c.BlockNumber(subCtx)
			if err != nil {
				log.Warnf("event poll: head query failed: %s", err)
				continue
			}
			if head < from {
				continue
			}

			rq := q
			rq.FromBlock = from
			rq.ToBlock = head
			logs, err := c.GetLogs(subCtx, rq)
			if err != nil {
				log.Warnf("event poll: getLogs failed: %s", err)
				continue
			}
			from = head + 1
			if len(logs) > 0 {
				sink(logs)
			}
		}
	}()

	return cancel, nil
}
