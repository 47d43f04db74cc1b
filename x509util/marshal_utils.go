package x509util

import (
	"encoding/asn1"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/smallstep/enrollment/errs"
)

// MultiString is a type used to unmarshal a JSON string or an array of strings
// into a []string.
type MultiString []string

// UnmarshalJSON implements the json.Unmarshaler interface for MultiString.
func (m *MultiString) UnmarshalJSON(data []byte) error {
	if s, ok := maybeString(data); ok {
		*m = MultiString([]string{s})
		return nil
	}

	var v []string
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.Wrap(err, "error unmarshaling json")
	}
	*m = MultiString(v)
	return nil
}

// UnmarshalJSON implements the json.Unmarshaler interface for ObjectIDs. It
// accepts a single string or an array of strings.
func (l *ObjectIDs) UnmarshalJSON(data []byte) error {
	ms, err := unmarshalMultiString(data)
	if err != nil {
		return err
	}

	oids := make(ObjectIDs, len(ms))
	for i, s := range ms {
		o, err := Resolve(s)
		if err != nil {
			return err
		}
		oids[i] = o
	}
	*l = oids
	return nil
}

func maybeString(data []byte) (string, bool) {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err == nil {
			return v, true
		}
	}
	return "", false
}

func unmarshalString(data []byte) (string, error) {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return v, errors.Wrap(err, "error unmarshaling json")
	}
	return v, nil
}

func unmarshalMultiString(data []byte) ([]string, error) {
	var v MultiString
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling json")
	}
	return []string(v), nil
}

// parseObjectIdentifier parses a dotted string. The first arc must be 0, 1 or
// 2, the second arc must be lower than 40 under the first two roots, and there
// must be at least two arcs.
func parseObjectIdentifier(oid string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(oid, ".")
	if len(parts) < 2 {
		return nil, errs.New(errs.UnknownOid, "%q is not an object identifier", oid)
	}

	oids := make([]int, len(parts))
	for i, s := range parts {
		n, err := strconv.Atoi(s)
		if err != nil || strings.TrimLeft(s, "0123456789") != "" {
			return nil, errs.New(errs.UnknownOid, "%q is not an object identifier", oid)
		}
		oids[i] = n
	}
	if oids[0] > 2 || (oids[0] < 2 && oids[1] >= 40) {
		return nil, errs.New(errs.UnknownOid, "%q is not an object identifier", oid)
	}
	return asn1.ObjectIdentifier(oids), nil
}
