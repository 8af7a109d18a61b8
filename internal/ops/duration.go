package ops

import (
	"strconv"
	"time"

	"relay/internal/errors"
)

// Duration reads "1.5s" style strings from JSON and the environment. A bare
// JSON number is taken as seconds.
type Duration time.Duration

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", text)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return errors.Wrap(err, "unquote duration")
		}
		return d.UnmarshalText([]byte(s))
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return errors.Wrapf(err, "parse duration %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
