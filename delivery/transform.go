package delivery

import (
	"encoding/json"
	"fmt"

	"github.com/stellar-expert/notifier/encoding"
)

func init() {
	RegisterTransformer("json", func() Transformer { return JSONTransformer{} })
	RegisterTransformer("msgpack", func() Transformer { return MsgpackTransformer{} })
}

// JSONTransformer encodes payloads as JSON objects
type JSONTransformer struct{}

func (JSONTransformer) Transform(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification %d: %w", p.ID, err)
	}
	return data, nil
}

// MsgpackTransformer encodes payloads with the same settings as the
// notification log
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(p Payload) ([]byte, error) {
	data, err := encoding.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification %d: %w", p.ID, err)
	}
	return data, nil
}
