package command

import (
	"context"
	"encoding/json"
	"maps"
	"slices"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
)

var registry = map[Kind]func() Command{
	KindReady:               func() Command { return &ReadyCommand{} },
	KindStart:               func() Command { return &StartCommand{} },
	KindStop:                func() Command { return &StopCommand{} },
	KindReboot:              func() Command { return &RebootCommand{} },
	KindScaleVm:             func() Command { return &ScaleVmCommand{} },
	KindCheckVirtualMachine: func() Command { return &CheckVirtualMachineCommand{} },
	KindGetVmStats:          func() Command { return &GetVmStatsCommand{} },
	KindAttachIso:           func() Command { return &AttachIsoCommand{} },
	KindPlugNic:             func() Command { return &PlugNicCommand{} },
	KindUnplugNic:           func() Command { return &UnplugNicCommand{} },
	KindResizeVolume:        func() Command { return &ResizeVolumeCommand{} },
	KindMigrateWithStorage:  func() Command { return &MigrateWithStorageCommand{} },
	KindMigrateVolume:       func() Command { return &MigrateVolumeCommand{} },
	KindMountStore:          func() Command { return &MountStoreCommand{} },
}

// Kinds lists every known command kind, sorted.
func Kinds() []Kind {
	return slices.Sorted(maps.Keys(registry))
}

// New returns an empty command of kind k.
func New(k Kind) (Command, error) {
	f, ok := registry[k]
	if !ok {
		return nil, fault.Validationf("unknown command %q", k)
	}
	return f(), nil
}

// Decode reads a command envelope: a JSON object with exactly one key naming
// the command kind.
func Decode(ctx context.Context, raw []byte) (Command, error) {
	logger := zerolog.Ctx(ctx)

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fault.Validationf("decoding command envelope: %s", err)
	}
	if len(envelope) != 1 {
		return nil, fault.Validationf("command envelope must have exactly one key, got %d", len(envelope))
	}

	for name, body := range envelope {
		cmd, err := New(Kind(name))
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, cmd); err != nil {
			return nil, fault.Validationf("decoding %s: %s", name, err)
		}
		logger.Trace().Str("kind", name).Msg("decoded command")
		return cmd, nil
	}
	panic("unreachable")
}

func Encode(cmd Command) ([]byte, error) {
	b, err := json.Marshal(map[Kind]Command{cmd.Kind(): cmd})
	if err != nil {
		return nil, errors.Errorf("encoding %s: %w", cmd.Kind(), err)
	}
	return b, nil
}

// EncodeAnswer wraps a in an envelope named after the answer to kind k.
func EncodeAnswer(k Kind, a *Answer) ([]byte, error) {
	b, err := json.Marshal(map[string]*Answer{AnswerName(k): a})
	if err != nil {
		return nil, errors.Errorf("encoding %s: %w", AnswerName(k), err)
	}
	return b, nil
}

// DecodeAnswer reads an answer envelope and returns its key alongside the
// answer.
func DecodeAnswer(raw []byte) (string, *Answer, error) {
	var envelope map[string]*Answer
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", nil, errors.Errorf("decoding answer envelope: %w", err)
	}
	if len(envelope) != 1 {
		return "", nil, errors.Errorf("answer envelope must have exactly one key, got %d", len(envelope))
	}
	for name, a := range envelope {
		if a == nil {
			return "", nil, errors.Errorf("empty answer %s", name)
		}
		return name, a, nil
	}
	panic("unreachable")
}
