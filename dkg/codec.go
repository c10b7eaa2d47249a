package dkg

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

var msgpackHandle = &codec.MsgpackHandle{}

func encodeDTO(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, errors.Wrap(err, "encode dto")
	}
	return buf.Bytes(), nil
}

func decodeDTO(data []byte, v interface{}) error {
	if err := codec.NewDecoder(bytes.NewReader(data), msgpackHandle).Decode(v); err != nil {
		return errors.Wrap(err, "decode dto")
	}
	return nil
}
