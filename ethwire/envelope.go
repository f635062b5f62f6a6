package ethwire

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Tag values for the externally-tagged { "type": ..., "message": ... }
// envelope. These are wire constants, never surfaced to callers.
const (
	TypeInit                 = "Init"
	TypeAccounts             = "Accounts"
	TypeSignTextMessage      = "SignTextMessage"
	TypeSignBinaryMessage    = "SignBinaryMessage"
	TypeSignTransaction      = "SignTransaction"
	TypeSignTypedData        = "SignTypedData"
	TypeMessageSignature     = "MessageSignature"
	TypeTransactionSignature = "TransactionSignature"
	TypeError                = "Error"
)

// Request is a browser-bound instruction. IDs are generated by the broker
// and echoed back by the browser on the matching Response.
type Request struct {
	ID      string
	Content RequestContent
}

// RequestContent is the sum type of everything the broker can ask the
// browser to do. Close is intentionally excluded: it is a broker->session
// instruction, never serialized onto the wire (spec §3).
type RequestContent interface {
	requestType() string
}

type InitContent struct {
	ChainID uint64
	Chains  map[uint64]ChainInfo
}

func (InitContent) requestType() string { return TypeInit }

type AccountsContent struct{}

func (AccountsContent) requestType() string { return TypeAccounts }

type SignTextMessageContent struct {
	Address common.Address
	UTF8    string
}

func (SignTextMessageContent) requestType() string { return TypeSignTextMessage }

type SignBinaryMessageContent struct {
	Address common.Address
	Message common.Hash
}

func (SignBinaryMessageContent) requestType() string { return TypeSignBinaryMessage }

type SignTransactionContent struct {
	Transaction *types.Transaction
}

func (SignTransactionContent) requestType() string { return TypeSignTransaction }

type SignTypedDataContent struct {
	Address   common.Address
	TypedData apitypes.TypedData
}

func (SignTypedDataContent) requestType() string { return TypeSignTypedData }

// Response is what the browser sends back. ID must match the Request it
// answers; Content tells the broker which operation completed.
type Response struct {
	ID      string
	Content ResponseContent
}

// ResponseContent is the sum type of everything the browser can reply with.
type ResponseContent interface {
	responseType() string
}

type InitAck struct{}

func (InitAck) responseType() string { return TypeInit }

type AccountsAck struct {
	Addresses []common.Address
}

func (AccountsAck) responseType() string { return TypeAccounts }

type MessageSignatureAck struct {
	Signature string
}

func (MessageSignatureAck) responseType() string { return TypeMessageSignature }

type TransactionSignatureAck struct {
	Signature string
}

func (TransactionSignatureAck) responseType() string { return TypeTransactionSignature }

type ErrorAck struct {
	Error string
}

func (ErrorAck) responseType() string { return TypeError }

// --- JSON marshalling: externally tagged { "id", "type", "message" } ---

type wireEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	msg, typ, err := marshalRequestContent(r.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{ID: r.ID, Type: typ, Message: msg})
}

func marshalRequestContent(c RequestContent) (json.RawMessage, string, error) {
	switch v := c.(type) {
	case InitContent:
		chains := make(map[string]ChainInfo, len(v.Chains))
		for id, info := range v.Chains {
			chains[strconv.FormatUint(id, 10)] = info
		}
		payload := struct {
			ChainID uint64               `json:"chain_id"`
			Chains  map[string]ChainInfo `json:"chains,omitempty"`
		}{ChainID: v.ChainID, Chains: chains}
		raw, err := json.Marshal(payload)
		return raw, v.requestType(), err
	case AccountsContent:
		return json.RawMessage(`{}`), v.requestType(), nil
	case SignTextMessageContent:
		payload := struct {
			Address string `json:"address"`
			Message string `json:"message"`
		}{Address: v.Address.Hex(), Message: v.UTF8}
		raw, err := json.Marshal(payload)
		return raw, v.requestType(), err
	case SignBinaryMessageContent:
		payload := struct {
			Address string `json:"address"`
			Message string `json:"message"`
		}{Address: v.Address.Hex(), Message: v.Message.Hex()}
		raw, err := json.Marshal(payload)
		return raw, v.requestType(), err
	case SignTransactionContent:
		payload := struct {
			Transaction *types.Transaction `json:"transaction"`
		}{Transaction: v.Transaction}
		raw, err := json.Marshal(payload)
		return raw, v.requestType(), err
	case SignTypedDataContent:
		payload := struct {
			Address   string             `json:"address"`
			TypedData apitypes.TypedData `json:"typed_data"`
		}{Address: v.Address.Hex(), TypedData: v.TypedData}
		raw, err := json.Marshal(payload)
		return raw, v.requestType(), err
	default:
		return nil, "", fmt.Errorf("ethwire: unknown request content %T", c)
	}
}

// DecodeResponse parses a single text frame received from the browser into
// a Response. Unknown tags are rejected explicitly rather than silently
// defaulting (spec §9).
func DecodeResponse(data []byte) (*Response, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ethwire: malformed envelope: %w", err)
	}

	content, err := unmarshalResponseContent(env.Type, env.Message)
	if err != nil {
		return nil, err
	}
	return &Response{ID: env.ID, Content: content}, nil
}

func unmarshalResponseContent(typ string, msg json.RawMessage) (ResponseContent, error) {
	switch typ {
	case TypeInit:
		return InitAck{}, nil
	case TypeAccounts:
		var payload struct {
			Addresses []common.Address `json:"addresses"`
		}
		if err := json.Unmarshal(msg, &payload); err != nil {
			return nil, fmt.Errorf("ethwire: bad Accounts message: %w", err)
		}
		return AccountsAck{Addresses: payload.Addresses}, nil
	case TypeMessageSignature:
		var payload struct {
			Signature string `json:"signature"`
		}
		if err := json.Unmarshal(msg, &payload); err != nil {
			return nil, fmt.Errorf("ethwire: bad MessageSignature message: %w", err)
		}
		return MessageSignatureAck{Signature: payload.Signature}, nil
	case TypeTransactionSignature:
		var payload struct {
			Signature string `json:"signature"`
		}
		if err := json.Unmarshal(msg, &payload); err != nil {
			return nil, fmt.Errorf("ethwire: bad TransactionSignature message: %w", err)
		}
		return TransactionSignatureAck{Signature: payload.Signature}, nil
	case TypeError:
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(msg, &payload); err != nil {
			return nil, fmt.Errorf("ethwire: bad Error message: %w", err)
		}
		return ErrorAck{Error: payload.Error}, nil
	default:
		return nil, fmt.Errorf("ethwire: unknown response type %q", typ)
	}
}
