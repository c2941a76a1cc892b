// Package confidence provides the three-band confidence level reported by the pricing service.
package confidence

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is a display band. The zero value means the service reported none.
type Level string

const (
	Unknown Level = ""
	Low     Level = "LOW"
	Medium  Level = "MEDIUM"
	High    Level = "HIGH"
)

// Rank orders the bands HIGH > MEDIUM > LOW > unknown.
func (l Level) Rank() int {
	switch l {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// Less reports whether l is a weaker band than other.
func (l Level) Less(other Level) bool {
	return l.Rank() < other.Rank()
}

func (l Level) Valid() bool {
	return l.Rank() > 0
}

// Style maps a band to the badge tone used by the console.
func (l Level) Style() string {
	switch l {
	case High:
		return "success"
	case Medium:
		return "warning"
	case Low:
		return "danger"
	default:
		return "default"
	}
}

// Parse accepts any casing; blank input yields Unknown.
func Parse(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return Unknown, nil
	case "HIGH":
		return High, nil
	case "MEDIUM":
		return Medium, nil
	case "LOW":
		return Low, nil
	}
	return Unknown, fmt.Errorf("unknown confidence level %q", s)
}

// UnmarshalJSON accepts null, known bands in any casing, and downgrades
// unrecognized bands to Unknown instead of failing the whole response.
func (l *Level) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = Unknown
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		*l = Unknown
		return nil
	}
	*l = parsed
	return nil
}

func (l Level) MarshalJSON() ([]byte, error) {
	if l == Unknown {
		return []byte("null"), nil
	}
	return json.Marshal(string(l))
}
