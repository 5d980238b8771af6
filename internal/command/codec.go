package command

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// gob keeps the log payload self-describing without generated code.

func Encode(c Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (Command, error) {
	var c Command
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if c.Type < TypeAcquire || c.Type > TypeExpire {
		return Command{}, fmt.Errorf("decode command: unknown type %d", c.Type)
	}
	return c, nil
}
