package ledger

import "time"

// RawTransaction is a transaction record as returned by the ledger history
// service, before its envelope has been decoded.
type RawTransaction struct {
	PagingToken   string    `json:"paging_token"`
	Hash          string    `json:"hash"`
	Ledger        uint32    `json:"ledger"`
	Successful    bool      `json:"successful"`
	SourceAccount string    `json:"source_account"`
	EnvelopeXDR   string    `json:"envelope_xdr"`
	ResultXDR     string    `json:"result_xdr"`
	CreatedAt     time.Time `json:"created_at"`
}

// Transaction is a decoded transaction with its operations in native order
type Transaction struct {
	PagingToken string
	Hash        string
	Ledger      uint32
	CreatedAt   time.Time
	Operations  []Operation
}

// Operation is a single effect of a transaction. Fields that do not apply to
// the operation type are left empty.
type Operation struct {
	TxHash        string    `msgpack:"tx" json:"tx_hash"`
	PagingToken   string    `msgpack:"pt" json:"paging_token"`
	Ledger        uint32    `msgpack:"ledger" json:"ledger"`
	Index         int       `msgpack:"idx" json:"index"`
	Type          string    `msgpack:"type" json:"type"`
	SourceAccount string    `msgpack:"src" json:"source_account"`
	Destination   string    `msgpack:"dst,omitempty" json:"destination,omitempty"`
	Asset         string    `msgpack:"asset,omitempty" json:"asset,omitempty"`
	SourceAsset   string    `msgpack:"src_asset,omitempty" json:"source_asset,omitempty"`
	Amount        string    `msgpack:"amount,omitempty" json:"amount,omitempty"`
	Accounts      []string  `msgpack:"accounts" json:"accounts"`
	CreatedAt     time.Time `msgpack:"ts" json:"created_at"`
}

// Assets returns every asset the operation touches in canonical form
func (o Operation) Assets() []string {
	assets := make([]string, 0, 2)
	if o.Asset != "" {
		assets = append(assets, o.Asset)
	}
	if o.SourceAsset != "" && o.SourceAsset != o.Asset {
		assets = append(assets, o.SourceAsset)
	}
	return assets
}
