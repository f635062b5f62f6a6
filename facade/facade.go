// Package facade is the caller-facing half of the bridge: a typed, blocking
// API (spec.md §4.4) layered over the broker's async request queue and a
// single shared reply channel. Because replies arrive on one channel in
// FIFO order matching the broker's queue, concurrent callers are serialized
// with a mutex rather than routed by ID -- the same "single in-flight
// request" invariant the broker itself enforces (spec §4.3).
package facade

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/LouisBrunner/rs-ethereum-browser-tools/bridge"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/bridge/brokererr"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/ethwire"
)

const unknownChainPrefix = "UnknownChain("

// Client is the caller-facing handle for a running broker. Its Call*
// methods are safe to invoke from multiple goroutines: a process-wide
// mutex serializes them against the single shared reply channel.
type Client struct {
	broker  *bridge.Broker
	replyCh <-chan ethwire.Response

	callMu sync.Mutex
}

// New wraps a broker and the reply channel it was constructed with. The
// reply channel must be the same one passed to bridge.NewBroker.
func New(broker *bridge.Broker, replyCh <-chan ethwire.Response) *Client {
	return &Client{broker: broker, replyCh: replyCh}
}

// GetUserAddresses asks the connected wallet for its exposed accounts. An
// empty list after a successful round trip is promoted to
// brokererr.ErrNoAddressesFound, matching the original's "never hand the
// caller zero usable accounts silently" behavior.
func (c *Client) GetUserAddresses(ctx context.Context) ([]common.Address, error) {
	resp, err := c.call(ctx, ethwire.AccountsContent{})
	if err != nil {
		return nil, err
	}
	ack, ok := resp.Content.(ethwire.AccountsAck)
	if !ok {
		return nil, unexpectedVariant(resp.Content)
	}
	if len(ack.Addresses) == 0 {
		return nil, brokererr.ErrNoAddressesFound
	}
	return ack.Addresses, nil
}

// SignTextMessage requests an EIP-191 personal_sign over a UTF-8 string.
func (c *Client) SignTextMessage(ctx context.Context, addr common.Address, text string) (hexutil.Bytes, error) {
	resp, err := c.call(ctx, ethwire.SignTextMessageContent{Address: addr, UTF8: text})
	if err != nil {
		return nil, err
	}
	return decodeMessageSignature(resp.Content)
}

// SignBinaryMessage requests an EIP-191 personal_sign over a raw 32-byte
// hash, for callers that already have a digest rather than text.
func (c *Client) SignBinaryMessage(ctx context.Context, addr common.Address, hash common.Hash) (hexutil.Bytes, error) {
	resp, err := c.call(ctx, ethwire.SignBinaryMessageContent{Address: addr, Message: hash})
	if err != nil {
		return nil, err
	}
	return decodeMessageSignature(resp.Content)
}

// SignTransaction requests a signature over an unsigned transaction. The
// browser answers with the hex-encoded RLP of the signed transaction, which
// is decoded and returned.
func (c *Client) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	resp, err := c.call(ctx, ethwire.SignTransactionContent{Transaction: tx})
	if err != nil {
		return nil, err
	}
	ack, ok := resp.Content.(ethwire.TransactionSignatureAck)
	if !ok {
		return nil, unexpectedVariant(resp.Content)
	}
	raw, err := hexutil.Decode(ack.Signature)
	if err != nil {
		return nil, &brokererr.SignatureParseError{Cause: err}
	}
	var signed types.Transaction
	if err := rlp.DecodeBytes(raw, &signed); err != nil {
		return nil, &brokererr.RLPDecodeError{Cause: err}
	}
	return &signed, nil
}

// SignTypedData requests an EIP-712 signature over structured typed data.
func (c *Client) SignTypedData(ctx context.Context, addr common.Address, data apitypes.TypedData) (hexutil.Bytes, error) {
	resp, err := c.call(ctx, ethwire.SignTypedDataContent{Address: addr, TypedData: data})
	if err != nil {
		return nil, err
	}
	return decodeMessageSignature(resp.Content)
}

func decodeMessageSignature(content ethwire.ResponseContent) (hexutil.Bytes, error) {
	ack, ok := content.(ethwire.MessageSignatureAck)
	if !ok {
		return nil, unexpectedVariant(content)
	}
	raw, err := hexutil.Decode(ack.Signature)
	if err != nil {
		return nil, &brokererr.SignatureParseError{Cause: err}
	}
	return raw, nil
}

func unexpectedVariant(content ethwire.ResponseContent) error {
	if errAck, ok := content.(ethwire.ErrorAck); ok {
		if chainID, ok := parseUnknownChain(errAck.Error); ok {
			return &brokererr.UnknownChainError{ChainID: chainID, Text: errAck.Error}
		}
		return &brokererr.ClientError{Text: errAck.Error}
	}
	return &brokererr.CommError{Reason: fmt.Sprintf("unexpected response variant %T", content)}
}

// parseUnknownChain recognizes the wallet's `"UnknownChain(<id>)"` error
// text (spec §4.4, §8 scenario e) and extracts the chain ID it names, so
// callers can distinguish it from an opaque ClientError and retry with
// supplied ChainInfo.
func parseUnknownChain(text string) (uint64, bool) {
	if !strings.HasPrefix(text, unknownChainPrefix) || !strings.HasSuffix(text, ")") {
		return 0, false
	}
	idStr := text[len(unknownChainPrefix) : len(text)-1]
	chainID, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return chainID, true
}

// call enqueues req and blocks for the matching reply, serialized against
// every other concurrent caller by callMu. ctx bounds both the enqueue and
// the wait for a reply; on cancellation the request stays queued in the
// broker, and its reply (if it arrives later) is forwarded to the shared
// channel, where the next call discards it by ID.
func (c *Client) call(ctx context.Context, content ethwire.RequestContent) (*ethwire.Response, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	req := ethwire.Request{ID: bridge.GenerateID(), Content: content}
	if err := c.broker.Enqueue(ctx, req); err != nil {
		return nil, err
	}

	// A prior call that timed out or was cancelled may have left its
	// (now stale) reply sitting in the shared channel; discard anything
	// that doesn't match our own request ID rather than handing a
	// mismatched response back to this caller.
	for {
		select {
		case resp := <-c.replyCh:
			if resp.ID != req.ID {
				continue
			}
			return &resp, nil
		case <-ctx.Done():
			return nil, &brokererr.CommError{Reason: "waiting for reply", Cause: ctx.Err()}
		}
	}
}
