// Package brokererr defines the error taxonomy surfaced by the bridge
// broker and caller facade, grounded on the classified-error shape of
// the teacher's src/chainadapter/error.go (Code + Cause) and the plain
// sentinel-error grouping of internal/utils/errors.go.
package brokererr

import "fmt"

// InitFailure means the background server thread never returned a bound
// port. It is fatal and only ever surfaced from the constructor.
type InitFailure struct {
	Cause error
}

func (e *InitFailure) Error() string {
	return fmt.Sprintf("bridge: server failed to start: %v", e.Cause)
}

func (e *InitFailure) Unwrap() error { return e.Cause }

// CommError covers mailbox send/recv failure, an unexpected response
// variant, or a caller-side timeout. The broker continues operating.
type CommError struct {
	Reason string
	Cause  error
}

func (e *CommError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bridge: communication error (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("bridge: communication error: %s", e.Reason)
}

func (e *CommError) Unwrap() error { return e.Cause }

// ClientError is returned verbatim from the browser/wallet for an
// in-flight request (e.g. "User rejected"). The state machine continues.
type ClientError struct {
	Text string
}

func (e *ClientError) Error() string { return "bridge: " + e.Text }

// UnknownChainError is the distinguishable form of ClientError raised when
// the wallet rejects the handshake's chain ID (`Error{"UnknownChain(...)"}`
// per spec §4.4). The caller may recover by supplying ChainInfo for
// ChainID and retrying; the browser then drives `wallet_addEthereumChain`
// and resumes the original switch -- that recovery lives in the front-end
// hook, not the broker (spec §4.4, §9).
type UnknownChainError struct {
	ChainID uint64
	Text    string
}

func (e *UnknownChainError) Error() string { return "bridge: " + e.Text }

// NoAddressesFound means the browser answered Accounts with an empty
// list after a successful handshake. It is returned by
// Client.GetUserAddresses; facade.Open does not fetch accounts and never
// returns it.
var ErrNoAddressesFound = fmt.Errorf("bridge: wallet returned no addresses")

// SignatureParseError wraps a malformed hex signature payload.
type SignatureParseError struct {
	Cause error
}

func (e *SignatureParseError) Error() string {
	return fmt.Sprintf("bridge: could not parse signature: %v", e.Cause)
}

func (e *SignatureParseError) Unwrap() error { return e.Cause }

// RLPDecodeError wraps a malformed RLP-encoded transaction payload.
type RLPDecodeError struct {
	Cause error
}

func (e *RLPDecodeError) Error() string {
	return fmt.Sprintf("bridge: could not decode transaction RLP: %v", e.Cause)
}

func (e *RLPDecodeError) Unwrap() error { return e.Cause }
