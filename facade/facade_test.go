package facade_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LouisBrunner/rs-ethereum-browser-tools/bridge"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/bridge/brokererr"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/ethwire"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/facade"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/internal/testutil"
)

func newTestClient(t *testing.T) (*facade.Client, *testutil.FakeBrowser) {
	t.Helper()
	replyCh := make(chan ethwire.Response, 4)
	b := bridge.NewBroker(1, nil, replyCh, nil)
	go b.Run()
	t.Cleanup(b.Stop)

	browser := testutil.NewFakeBrowser(b)
	browser.Connect()
	browser.AnswerInit()

	return facade.New(b, replyCh), browser
}

func TestGetUserAddresses_HappyPath(t *testing.T) {
	client, browser := newTestClient(t)
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	done := make(chan struct{})
	var addrs []common.Address
	var callErr error
	go func() {
		addrs, callErr = client.GetUserAddresses(context.Background())
		close(done)
	}()

	out := browser.Next()
	browser.Reply(out.Request.ID, ethwire.AccountsAck{Addresses: []common.Address{addr}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetUserAddresses never returned")
	}

	require.NoError(t, callErr)
	require.Len(t, addrs, 1)
	assert.Equal(t, addr, addrs[0])
}

func TestGetUserAddresses_EmptyList_ReturnsNoAddressesFound(t *testing.T) {
	client, browser := newTestClient(t)

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = client.GetUserAddresses(context.Background())
		close(done)
	}()

	out := browser.Next()
	browser.Reply(out.Request.ID, ethwire.AccountsAck{})

	<-done
	assert.ErrorIs(t, callErr, brokererr.ErrNoAddressesFound)
}

func TestSignTextMessage_ClientRejection_SurfacesClientError(t *testing.T) {
	client, browser := newTestClient(t)
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = client.SignTextMessage(context.Background(), addr, "hello")
		close(done)
	}()

	out := browser.Next()
	browser.Reply(out.Request.ID, ethwire.ErrorAck{Error: "User rejected"})

	<-done
	require.Error(t, callErr)
	assert.Contains(t, callErr.Error(), "User rejected")
}

func TestSignTextMessage_MalformedSignature_ReturnsParseError(t *testing.T) {
	client, browser := newTestClient(t)
	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = client.SignTextMessage(context.Background(), addr, "hello")
		close(done)
	}()

	out := browser.Next()
	browser.Reply(out.Request.ID, ethwire.MessageSignatureAck{Signature: "not-hex"})

	<-done
	require.Error(t, callErr)
}

func TestSignTransaction_RLPRoundTrips(t *testing.T) {
	client, browser := newTestClient(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx := types.NewTransaction(0, common.HexToAddress("0x5555555555555555555555555555555555555555"), big.NewInt(1000), 21000, big.NewInt(1), nil)
	signedTx, err := types.SignTx(tx, types.HomesteadSigner{}, key)
	require.NoError(t, err)

	raw, err := rlp.EncodeToBytes(signedTx)
	require.NoError(t, err)

	done := make(chan struct{})
	var result *types.Transaction
	var callErr error
	go func() {
		result, callErr = client.SignTransaction(context.Background(), tx)
		close(done)
	}()

	out := browser.Next()
	_, ok := out.Request.Content.(ethwire.SignTransactionContent)
	require.True(t, ok, "SignTransaction must send a SignTransaction request")
	browser.Reply(out.Request.ID, ethwire.TransactionSignatureAck{Signature: hexutil.Encode(raw)})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SignTransaction never returned")
	}

	require.NoError(t, callErr)
	require.NotNil(t, result)
	assert.Equal(t, signedTx.Hash(), result.Hash())

	wantV, wantR, wantS := signedTx.RawSignatureValues()
	gotV, gotR, gotS := result.RawSignatureValues()
	assert.Equal(t, wantV, gotV)
	assert.Equal(t, wantR, gotR)
	assert.Equal(t, wantS, gotS)
}

func TestSignTransaction_MalformedRLP_ReturnsRLPDecodeError(t *testing.T) {
	client, browser := newTestClient(t)
	tx := types.NewTransaction(0, common.HexToAddress("0x6666666666666666666666666666666666666666"), big.NewInt(1), 21000, big.NewInt(1), nil)

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = client.SignTransaction(context.Background(), tx)
		close(done)
	}()

	out := browser.Next()
	browser.Reply(out.Request.ID, ethwire.TransactionSignatureAck{Signature: "0xdeadbeef"})

	<-done
	require.Error(t, callErr)
	var rlpErr *brokererr.RLPDecodeError
	assert.ErrorAs(t, callErr, &rlpErr)
}

func TestSignTextMessage_UnknownChain_SurfacesDistinguishableError(t *testing.T) {
	client, browser := newTestClient(t)
	addr := common.HexToAddress("0x7777777777777777777777777777777777777777")

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = client.SignTextMessage(context.Background(), addr, "hello")
		close(done)
	}()

	out := browser.Next()
	browser.Reply(out.Request.ID, ethwire.ErrorAck{Error: "UnknownChain(12345)"})

	<-done
	require.Error(t, callErr)
	var unknownChainErr *brokererr.UnknownChainError
	require.ErrorAs(t, callErr, &unknownChainErr)
	assert.Equal(t, uint64(12345), unknownChainErr.ChainID)
}

func TestCalls_AreSerializedAcrossConcurrentCallers(t *testing.T) {
	client, browser := newTestClient(t)
	addr := common.HexToAddress("0x4444444444444444444444444444444444444444")

	const n = 5
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := client.SignTextMessage(context.Background(), addr, "concurrent")
			results <- err
		}()
	}

	for i := 0; i < n; i++ {
		out := browser.Next()
		browser.Reply(out.Request.ID, ethwire.MessageSignatureAck{Signature: "0xaa"})
	}

	for i := 0; i < n; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("not all concurrent calls completed")
		}
	}
}
