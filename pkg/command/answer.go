package command

import (
	"fmt"
	"strings"

	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// VolumeResult reports where a volume ended up after a command. ChainInfo is
// to be handed back on the next command touching the volume.
type VolumeResult struct {
	Role      string `json:"role,omitempty"`
	Action    string `json:"action,omitempty"`
	Path      string `json:"path"`
	Datastore string `json:"datastore,omitempty"`
	SizeBytes int64  `json:"size,omitempty"`
	ChainInfo string `json:"chainInfo,omitempty"`
}

// Answer is the reply to every command. Failures carry exactly one
// human-readable detail string.
type Answer struct {
	Result   bool     `json:"result"`
	Details  string   `json:"details,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	// Fault is the failure class, empty on success.
	Fault fault.Kind `json:"fault,omitempty"`
	// Seq is the diagnostic record written for a successful command.
	Seq uint64 `json:"seq,omitempty"`

	PowerState remote.PowerState        `json:"powerState,omitempty"`
	Host       string                   `json:"host,omitempty"`
	Volumes    []VolumeResult           `json:"volumes,omitempty"`
	Stats      map[string]*remote.Stats `json:"stats,omitempty"`
	Datastore  *remote.DatastoreRef     `json:"datastore,omitempty"`
	NicIndex   *int32                   `json:"nicIndex,omitempty"`
}

// Succeed builds a successful answer.
func Succeed(format string, args ...any) *Answer {
	return &Answer{Result: true, Details: fmt.Sprintf(format, args...)}
}

// Fail builds the failure answer for err.
func Fail(err error) *Answer {
	return &Answer{Result: false, Details: err.Error(), Fault: fault.Classify(err)}
}

// AnswerName is the envelope key of the answer to a command of kind k.
func AnswerName(k Kind) string {
	return strings.TrimSuffix(string(k), "Command") + "Answer"
}
