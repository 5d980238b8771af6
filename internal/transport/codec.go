package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// gobCodec is the wire codec for all services. Requests and responses are
// plain Go structs, so gob keeps the transport free of generated code; both
// ends force the codec explicitly and never consult the registry.
type gobCodec struct{}

func (gobCodec) Name() string { return "gob" }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob marshal %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob unmarshal %T: %w", v, err)
	}
	return nil
}
