package chain

import (
	"encoding/json"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// Info is the chain-info record handed back to the orchestrator after every
// disk operation and passed in again on the next one.
type Info struct {
	DiskDeviceBusName string   `json:"diskDeviceBusName,omitempty"`
	DiskChain         []string `json:"diskChain,omitempty"`
}

// ParseInfo decodes a chain-info string. An empty string yields a nil Info.
func ParseInfo(s string) (*Info, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var info Info
	if err := json.Unmarshal([]byte(s), &info); err != nil {
		return nil, errors.Errorf("decoding chain info: %w", err)
	}
	return &info, nil
}

func (i Info) String() string {
	b, err := json.Marshal(i)
	if err != nil {
		return ""
	}
	return string(b)
}
