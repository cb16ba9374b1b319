// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package diagchannel

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameBytes(t *testing.T, name string, payload map[string]string) []byte {
	t.Helper()
	body := []byte(`{"name":"` + name + `","payload":{`)
	first := true
	for k, v := range payload {
		if !first {
			body = append(body, ',')
		}
		first = false
		body = append(body, []byte(`"`+k+`":"`+v+`"`)...)
	}
	body = append(body, '}', '}')

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	return append(lenBuf[:], body...)
}

func TestReadFrameDecodesNameAndPayload(t *testing.T) {
	raw := frameBytes(t, "gc-heap-size", map[string]string{"value": "42"})
	ev, err := readFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "gc-heap-size", ev.Name)
	assert.Equal(t, "42", ev.Payload["value"])
	assert.Contains(t, ev.Values, "42")
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 1<<30)
	_, err := readFrame(bytes.NewReader(lenBuf[:]))
	assert.ErrorIs(t, err, errBadFrame)
}

func TestReadFrameMalformedJSON(t *testing.T) {
	body := []byte("not json")
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	raw := append(lenBuf[:], body...)
	_, err := readFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, errBadFrame)
}

func TestPipeNameFormat(t *testing.T) {
	assert.Equal(t, `\\.\pipe\dotnet-diagnostic-1234`, pipeName(1234))
}
