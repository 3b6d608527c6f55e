package rpc

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/iolink/internal/errors"
)

// FunctionID is a firmware-defined remote procedure number. The set is
// closed: the companion processor understands nothing else.
type FunctionID uint32

// Remote procedures exposed by the firmware.
const (
	FuncVersion        FunctionID = 0x01
	FuncRTCGet         FunctionID = 0x10
	FuncRTCSet         FunctionID = 0x11
	FuncPowerOff       FunctionID = 0x20
	FuncCDVDReady      FunctionID = 0x30
	FuncSoundInit      FunctionID = 0x40
	FuncPadInit        FunctionID = 0x50
	FuncMemoryCardInit FunctionID = 0x60
	FuncRemoteInit     FunctionID = 0x70
)

var functionNames = map[FunctionID]string{
	FuncVersion:        "version",
	FuncRTCGet:         "rtc-get",
	FuncRTCSet:         "rtc-set",
	FuncPowerOff:       "power-off",
	FuncCDVDReady:      "cdvd-ready",
	FuncSoundInit:      "sound-init",
	FuncPadInit:        "pad-init",
	FuncMemoryCardInit: "mc-init",
	FuncRemoteInit:     "remote-init",
}

// Functions returns every known FunctionID in ascending order.
func Functions() []FunctionID {
	return []FunctionID{
		FuncVersion,
		FuncRTCGet,
		FuncRTCSet,
		FuncPowerOff,
		FuncCDVDReady,
		FuncSoundInit,
		FuncPadInit,
		FuncMemoryCardInit,
		FuncRemoteInit,
	}
}

// String returns the function's name, or its number if unknown.
func (f FunctionID) String() string {
	if name, ok := functionNames[f]; ok {
		return name
	}
	return fmt.Sprintf("fn(0x%02x)", uint32(f))
}

// Known reports whether f belongs to the firmware enumeration.
func (f FunctionID) Known() bool {
	_, ok := functionNames[f]
	return ok
}

// ParseFunction resolves a function name, case-insensitively.
func ParseFunction(name string) (FunctionID, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for id, fn := range functionNames {
		if fn == n {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", errors.ErrUnknownFunction, name)
}

// Result codes returned by the remote-invoke primitive.
const (
	// Accepted means the command was queued; a completion will follow.
	Accepted int32 = 0
	// ErrNoFunction is the fatal code for a FunctionID the firmware lacks.
	ErrNoFunction int32 = -1
	// SendBusy is the transient code for a full command queue.
	SendBusy int32 = -2
	// ErrBadArgument is the fatal code for an argument the handler rejects.
	ErrBadArgument int32 = -3
)
