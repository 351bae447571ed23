package acp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id carrier that preserves the peer's original
// type: the agent in this ecosystem uses numbers, browser clients may use
// either, and a reply must echo the id with the exact type it arrived with.
type RequestID struct {
	num   int64
	str   string
	isNum bool
	set   bool
}

// IntID returns a numeric request id.
func IntID(n int64) RequestID { return RequestID{num: n, isNum: true, set: true} }

// StringID returns a string request id.
func StringID(s string) RequestID { return RequestID{str: s, set: true} }

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool { return !id.set }

// IsNumber reports whether the id arrived as a JSON number.
func (id RequestID) IsNumber() bool { return id.isNum }

// Int returns the numeric value; only meaningful when IsNumber is true.
func (id RequestID) Int() int64 { return id.num }

// Key returns a canonical map key that cannot collide across the number
// and string spaces ("7" the string is distinct from 7 the number).
func (id RequestID) Key() string {
	if !id.set {
		return ""
	}
	if id.isNum {
		return "n:" + strconv.FormatInt(id.num, 10)
	}
	return "s:" + id.str
}

// Raw returns the id as it appears on the wire.
func (id RequestID) Raw() json.RawMessage {
	b, _ := id.MarshalJSON()
	return b
}

func (id RequestID) String() string {
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if !id.set {
		return []byte("null"), nil
	}
	if id.isNum {
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
	return json.Marshal(id.str)
}

func (id *RequestID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = RequestID{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("request id must be a string or integer: %s", b)
	}
	*id = IntID(n)
	return nil
}

// ParseID decodes a raw JSON id value.
func ParseID(raw json.RawMessage) (RequestID, error) {
	var id RequestID
	if err := id.UnmarshalJSON(raw); err != nil {
		return RequestID{}, err
	}
	return id, nil
}

// AsNumber converts a numeric-looking string id into a number id. Used only
// where the bridge itself introduced the string form; ids that are already
// numeric or not numeric-looking are returned unchanged.
func (id RequestID) AsNumber() RequestID {
	if id.isNum || !id.set {
		return id
	}
	if n, err := strconv.ParseInt(id.str, 10, 64); err == nil {
		return IntID(n)
	}
	return id
}
