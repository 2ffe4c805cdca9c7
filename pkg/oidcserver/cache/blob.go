/*
Copyright 2022-2023 EscherCloud.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// blobVersion is the wire format version written into every encoded blob.
// A reader that sees a version it doesn't recognise must reject the entry
// rather than guess at its layout.
const blobVersion int32 = 1

// EncodeBlob serializes an ordered set of name/value pairs into the
// persisted request-cache wire format: a little-endian int32 version, a
// little-endian int32 count, then for each pair a length-prefixed key
// followed by a length-prefixed value (lengths are little-endian int32,
// values are raw UTF-8 bytes).
func EncodeBlob(keys []string, values map[string]string) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, blobVersion); err != nil {
		return nil, fmt.Errorf("failed to write blob version: %w", err)
	}

	if err := binary.Write(&buf, binary.LittleEndian, int32(len(keys))); err != nil {
		return nil, fmt.Errorf("failed to write blob count: %w", err)
	}

	for _, key := range keys {
		if err := writeLengthPrefixed(&buf, key); err != nil {
			return nil, err
		}

		if err := writeLengthPrefixed(&buf, values[key]); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func writeLengthPrefixed(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.LittleEndian, int32(len(s))); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}

	if _, err := buf.WriteString(s); err != nil {
		return fmt.Errorf("failed to write blob value: %w", err)
	}

	return nil
}

// DecodeBlob is the inverse of EncodeBlob. It returns the keys in their
// original insertion order and a map of their values.
func DecodeBlob(blob []byte) ([]string, map[string]string, error) {
	r := bytes.NewReader(blob)

	var version int32

	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, nil, fmt.Errorf("failed to read blob version: %w", err)
	}

	if version != blobVersion {
		return nil, nil, fmt.Errorf("unsupported blob version %d", version)
	}

	var count int32

	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, nil, fmt.Errorf("failed to read blob count: %w", err)
	}

	keys := make([]string, 0, count)
	values := make(map[string]string, count)

	for i := int32(0); i < count; i++ {
		key, err := readLengthPrefixed(r)
		if err != nil {
			return nil, nil, err
		}

		value, err := readLengthPrefixed(r)
		if err != nil {
			return nil, nil, err
		}

		keys = append(keys, key)
		values[key] = value
	}

	return keys, values, nil
}

func readLengthPrefixed(r *bytes.Reader) (string, error) {
	var length int32

	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", fmt.Errorf("failed to read length prefix: %w", err)
	}

	if length < 0 || int(length) > r.Len() {
		return "", fmt.Errorf("corrupt blob: length %d exceeds remaining bytes", length)
	}

	buf := make([]byte, length)

	if _, err := r.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read blob value: %w", err)
	}

	return string(buf), nil
}
