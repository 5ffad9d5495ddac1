package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

func serializeEntry(e Entry) ([]byte, error) {
	b := bytes.Buffer{}
	enc := gob.NewEncoder(&b)
	err := enc.Encode(e)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", ErrSerialization, err)
	}
	return b.Bytes(), nil
}

func deserializeEntry(serialized []byte) (Entry, error) {
	e := Entry{}
	b := bytes.Buffer{}
	b.Write(serialized)
	dec := gob.NewDecoder(&b)
	err := dec.Decode(&e)
	if err != nil {
		return Entry{}, fmt.Errorf("%v: %w", ErrDeserialization, err)
	}
	return e, nil
}
