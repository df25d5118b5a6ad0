package httpserver

import (
	"bytes"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// encodeJSON marshals v without HTML escaping and without the trailing newline.
func encodeJSON(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func writeEncoded(w io.Writer, v any) error {
	data, err := encodeJSON(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write encoded json: %w", err)
	}
	return nil
}
