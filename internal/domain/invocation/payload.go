package invocation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrNotObject is returned when a payload is not a JSON object.
var ErrNotObject = errors.New("payload is not a JSON object")

// Authorization returns the Authorization header declared inside the event
// payload. Only the exact top-level "headers" key is read. Header names are
// matched case-insensitively, as API Gateway and function URL events preserve
// the caller's casing. When several casings are present the choice is fixed:
// "authorization", then "Authorization", then the lowest other name in byte
// order. ok is false when the payload is not an object, has no headers object,
// or the header is absent, null or not a string.
func Authorization(payload []byte) (value string, ok bool) {
	var event map[string]json.RawMessage
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", false
	}
	var headers map[string]json.RawMessage
	if err := json.Unmarshal(event["headers"], &headers); err != nil {
		return "", false
	}

	raw, found := headers["authorization"]
	if !found {
		raw, found = headers["Authorization"]
	}
	if !found {
		names := make([]string, 0, len(headers))
		for name := range headers {
			if strings.EqualFold(name, "authorization") {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			return "", false
		}
		slices.Sort(names)
		raw = headers[names[0]]
	}

	var v *string
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return "", false
	}
	return *v, true
}

// AttachClaims returns payload with field set to claims.
// The original bytes are kept as they are; the field is appended before the
// closing brace. If the payload already has field at the top level, that
// member is left in place and the appended one follows it, so decoders that
// keep the last duplicate (encoding/json, JSON.parse) see the verified claims.
func AttachClaims(payload []byte, field string, claims map[string]any) ([]byte, error) {
	trimmed := bytes.TrimRight(payload, " \t\r\n")
	if len(trimmed) < 2 || trimmed[len(trimmed)-1] != '}' || !json.Valid(trimmed) {
		return nil, ErrNotObject
	}
	if first := bytes.TrimLeft(trimmed, " \t\r\n"); len(first) == 0 || first[0] != '{' {
		return nil, ErrNotObject
	}

	key, err := json.Marshal(field)
	if err != nil {
		return nil, fmt.Errorf("encode claims field: %w", err)
	}
	value, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("encode claims: %w", err)
	}

	body := trimmed[:len(trimmed)-1]
	empty := len(bytes.TrimSpace(bytes.TrimLeft(body, " \t\r\n")[1:])) == 0

	out := make([]byte, 0, len(trimmed)+len(key)+len(value)+2)
	out = append(out, body...)
	if !empty {
		out = append(out, ',')
	}
	out = append(out, key...)
	out = append(out, ':')
	out = append(out, value...)
	out = append(out, '}')
	return out, nil
}
