package policyserver

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Duration is a wrapper around time.Duration that marshals to a duration
// string. Policy documents may also use a number of seconds.
type Duration struct {
	time.Duration
}

// MarshalJSON returns the duration string, e.g. "8760h0m0s".
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalJSON parses a duration string, such as "300ms", "-1.5h" or
// "2h45m", or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if d == nil {
		return errors.New("duration cannot be nil")
	}
	var secs int64
	if err := json.Unmarshal(data, &secs); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrapf(err, "error unmarshaling %s", data)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "error parsing %s as duration", s)
	}
	d.Duration = v
	return nil
}
