package cache

import "encoding/json"

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(raw string, out any) error {
	return json.Unmarshal([]byte(raw), out)
}
