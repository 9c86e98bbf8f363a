package ledger

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/xdr"
)

// ErrMalformed is returned when a transaction envelope cannot be decoded
var ErrMalformed = errors.New("malformed transaction envelope")

// XDRParser decodes transaction envelopes into operations
type XDRParser struct{}

// NewXDRParser creates a new envelope parser
func NewXDRParser() *XDRParser {
	return &XDRParser{}
}

// Parse decodes a raw transaction. Unsuccessful transactions yield (nil, nil):
// they applied no effects and are never matched.
func (p *XDRParser) Parse(raw RawTransaction) (*Transaction, error) {
	if !raw.Successful {
		return nil, nil
	}
	if raw.EnvelopeXDR == "" {
		return nil, fmt.Errorf("%w: empty envelope for %s", ErrMalformed, raw.Hash)
	}

	var envelope xdr.TransactionEnvelope
	if err := xdr.SafeUnmarshalBase64(raw.EnvelopeXDR, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, raw.Hash, err)
	}

	txSource := raw.SourceAccount
	if txSource == "" {
		txSource = muxedAddress(envelope.SourceAccount())
	}

	ops := envelope.Operations()
	tx := &Transaction{
		PagingToken: raw.PagingToken,
		Hash:        raw.Hash,
		Ledger:      raw.Ledger,
		CreatedAt:   raw.CreatedAt,
		Operations:  make([]Operation, 0, len(ops)),
	}

	for i, op := range ops {
		source := txSource
		if op.SourceAccount != nil {
			source = muxedAddress(*op.SourceAccount)
		}

		operation := Operation{
			TxHash:        raw.Hash,
			PagingToken:   raw.PagingToken,
			Ledger:        raw.Ledger,
			Index:         i,
			Type:          OperationTypeName(op.Body.Type),
			SourceAccount: source,
			CreatedAt:     raw.CreatedAt,
		}
		describeBody(&operation, op.Body)
		operation.Accounts = participants(operation)

		tx.Operations = append(tx.Operations, operation)
	}

	return tx, nil
}

// describeBody fills in the type-specific fields of an operation
func describeBody(op *Operation, body xdr.OperationBody) {
	if o, ok := body.GetCreateAccountOp(); ok {
		dst := o.Destination
		op.Destination = dst.Address()
		op.Asset = "native"
		op.Amount = amount.String(o.StartingBalance)
		return
	}
	if o, ok := body.GetPaymentOp(); ok {
		op.Destination = muxedAddress(o.Destination)
		op.Asset = o.Asset.StringCanonical()
		op.Amount = amount.String(o.Amount)
		return
	}
	if o, ok := body.GetPathPaymentStrictReceiveOp(); ok {
		op.Destination = muxedAddress(o.Destination)
		op.Asset = o.DestAsset.StringCanonical()
		op.SourceAsset = o.SendAsset.StringCanonical()
		op.Amount = amount.String(o.DestAmount)
		return
	}
	if o, ok := body.GetPathPaymentStrictSendOp(); ok {
		op.Destination = muxedAddress(o.Destination)
		op.Asset = o.DestAsset.StringCanonical()
		op.SourceAsset = o.SendAsset.StringCanonical()
		op.Amount = amount.String(o.SendAmount)
		return
	}
	if o, ok := body.GetManageSellOfferOp(); ok {
		op.Asset = o.Buying.StringCanonical()
		op.SourceAsset = o.Selling.StringCanonical()
		op.Amount = amount.String(o.Amount)
		return
	}
	if o, ok := body.GetManageBuyOfferOp(); ok {
		op.Asset = o.Buying.StringCanonical()
		op.SourceAsset = o.Selling.StringCanonical()
		op.Amount = amount.String(o.BuyAmount)
		return
	}
	if o, ok := body.GetCreatePassiveSellOfferOp(); ok {
		op.Asset = o.Buying.StringCanonical()
		op.SourceAsset = o.Selling.StringCanonical()
		op.Amount = amount.String(o.Amount)
		return
	}
	if o, ok := body.GetChangeTrustOp(); ok {
		op.Asset = trustLineAsset(o.Line)
		op.Amount = amount.String(o.Limit)
		return
	}
	if dst, ok := body.GetDestination(); ok {
		op.Destination = muxedAddress(dst)
	}
}

// trustLineAsset names the asset of a trustline. Pool share lines are named
// by their hex liquidity pool id.
func trustLineAsset(line xdr.ChangeTrustAsset) string {
	if line.Type != xdr.AssetTypeAssetTypePoolShare {
		return line.ToAsset().StringCanonical()
	}
	if line.LiquidityPool == nil || line.LiquidityPool.ConstantProduct == nil {
		return ""
	}
	params := line.LiquidityPool.ConstantProduct
	id, err := xdr.NewPoolId(params.AssetA, params.AssetB, params.Fee)
	if err != nil {
		return ""
	}
	return xdr.Hash(id).HexString()
}

// participants returns the distinct accounts involved in an operation
func participants(op Operation) []string {
	accounts := []string{op.SourceAccount}
	if op.Destination != "" && op.Destination != op.SourceAccount {
		accounts = append(accounts, op.Destination)
	}
	return accounts
}

func muxedAddress(account xdr.MuxedAccount) string {
	aid := account.ToAccountId()
	return aid.Address()
}

// OperationTypeName converts an XDR operation type to its snake_case name,
// e.g. OperationTypePathPaymentStrictSend -> path_payment_strict_send.
func OperationTypeName(t xdr.OperationType) string {
	name := strings.TrimPrefix(t.String(), "OperationType")

	var b strings.Builder
	b.Grow(len(name) + 4)
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
