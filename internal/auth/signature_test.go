package auth

import (
	"context"
	"testing"

	hedera "github.com/hashgraph/hedera-sdk-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/hashgate-io/hashgate/internal/chain"
)

// fakeChain is a chain.Client returning canned answers.
type fakeChain struct {
	key     string
	keyErr  error
	tx      *chain.TransactionInfo
	txErr   error
	rate    float64
	rateErr error
}

func (f *fakeChain) AccountPublicKey(context.Context, string) (string, error) {
	return f.key, f.keyErr
}

func (f *fakeChain) Transaction(context.Context, string) (*chain.TransactionInfo, error) {
	return f.tx, f.txErr
}

func (f *fakeChain) HbarUSDRate(context.Context) (float64, error) {
	return f.rate, f.rateErr
}

func newSignedRequest(t *testing.T) (SignatureRequest, *fakeChain) {
	t.Helper()
	priv, err := hedera.PrivateKeyGenerateEd25519()
	require.NoError(t, err)

	msg := []byte("Sign this message to authenticate with MCP Server\n\nChallenge: abc\nNonce: abc\nTimestamp: 1700000000000\nAccount: 0.0.1234\nNetwork: testnet")
	sig := priv.Sign(prefixedMessage(msg))

	req := SignatureRequest{
		AccountID: "0.0.1234",
		Message:   msg,
		Signature: sig,
	}
	return req, &fakeChain{key: priv.PublicKey().String()}
}

func TestVerifySignature_Valid(t *testing.T) {
	req, chainClient := newSignedRequest(t)
	v := NewSignatureVerifier(chainClient)
	require.True(t, v.Verify(context.Background(), req))
}

func TestVerifySignature_ValidWithSuppliedKey(t *testing.T) {
	req, chainClient := newSignedRequest(t)
	req.PublicKey = chainClient.key
	v := NewSignatureVerifier(chainClient)
	require.True(t, v.Verify(context.Background(), req))
}

func TestVerifySignature_TamperedMessage(t *testing.T) {
	req, chainClient := newSignedRequest(t)
	req.Message = append(req.Message, '!')
	v := NewSignatureVerifier(chainClient)
	require.False(t, v.Verify(context.Background(), req))
}

func TestVerifySignature_WrongSignature(t *testing.T) {
	req, chainClient := newSignedRequest(t)
	req.Signature[0] ^= 0xff
	v := NewSignatureVerifier(chainClient)
	require.False(t, v.Verify(context.Background(), req))
}

func TestVerifySignature_SuppliedKeyMismatch(t *testing.T) {
	req, chainClient := newSignedRequest(t)

	other, err := hedera.PrivateKeyGenerateEd25519()
	require.NoError(t, err)
	req.PublicKey = other.PublicKey().String()

	v := NewSignatureVerifier(chainClient)
	require.False(t, v.Verify(context.Background(), req))
}

func TestVerifySignature_ChainLookupFails(t *testing.T) {
	req, _ := newSignedRequest(t)
	v := NewSignatureVerifier(&fakeChain{keyErr: chain.ErrUnreachable})
	require.False(t, v.Verify(context.Background(), req))
}

func TestVerifySignature_MalformedNetworkKey(t *testing.T) {
	req, _ := newSignedRequest(t)
	v := NewSignatureVerifier(&fakeChain{key: "not-a-key"})
	require.False(t, v.Verify(context.Background(), req))
}
