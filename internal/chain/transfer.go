package chain

import (
	"fmt"
	"strings"

	hedera "github.com/hashgraph/hedera-sdk-go/v2"
)

// UnsignedTransfer is a frozen, unsigned HBAR transfer the client signs and
// submits itself.
type UnsignedTransfer struct {
	// Bytes is the serialized transaction.
	Bytes []byte
	// TransactionID is the mirror-format id (shard.realm.num-seconds-nanos)
	// used to look the transaction up after submission.
	TransactionID string
}

// BuildUnsignedTransfer builds an unsigned transfer of hbarAmount from
// payer to treasury. The transaction id is generated against the payer so
// only the payer's signature can submit it.
func BuildUnsignedTransfer(payer, treasury string, hbarAmount float64, memo string) (*UnsignedTransfer, error) {
	payerID, err := hedera.AccountIDFromString(payer)
	if err != nil {
		return nil, fmt.Errorf("parse payer account %q: %w", payer, err)
	}
	treasuryID, err := hedera.AccountIDFromString(treasury)
	if err != nil {
		return nil, fmt.Errorf("parse treasury account %q: %w", treasury, err)
	}

	txID := hedera.TransactionIDGenerate(payerID)
	tx, err := hedera.NewTransferTransaction().
		AddHbarTransfer(payerID, hedera.NewHbar(-hbarAmount)).
		AddHbarTransfer(treasuryID, hedera.NewHbar(hbarAmount)).
		SetTransactionID(txID).
		SetNodeAccountIDs([]hedera.AccountID{{Account: 3}}).
		SetTransactionMemo(memo).
		Freeze()
	if err != nil {
		return nil, fmt.Errorf("freeze transfer: %w", err)
	}

	raw, err := tx.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize transfer: %w", err)
	}

	return &UnsignedTransfer{
		Bytes:         raw,
		TransactionID: MirrorTransactionID(txID.String()),
	}, nil
}

// MirrorTransactionID converts an SDK transaction id
// ("0.0.5@1700000000.123456789") to the mirror node's REST format
// ("0.0.5-1700000000-123456789").
func MirrorTransactionID(sdkID string) string {
	at := strings.IndexByte(sdkID, '@')
	if at < 0 {
		return sdkID
	}
	account, stamp := sdkID[:at], sdkID[at+1:]
	return account + "-" + strings.Replace(stamp, ".", "-", 1)
}

// PayerFromTransactionID extracts the paying account from a transaction id
// in either SDK or mirror format.
func PayerFromTransactionID(id string) string {
	if at := strings.IndexByte(id, '@'); at >= 0 {
		return id[:at]
	}
	// Mirror format: account is everything before the first '-' after the
	// entity number, i.e. the first dash.
	if dash := strings.IndexByte(id, '-'); dash >= 0 {
		return id[:dash]
	}
	return id
}
