package cloud

import (
	"encoding/json"
	"fmt"
)

// jsonEncode encodes a value to JSON bytes.
func jsonEncode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot encode nil value")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}
	return data, nil
}

// jsonDecode decodes JSON bytes into v.
func jsonDecode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot decode empty data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}
