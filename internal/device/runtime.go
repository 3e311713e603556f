package device

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidEvent is returned for handles that were never created or
	// have already been destroyed.
	ErrInvalidEvent = errors.New("invalid event handle")
	// ErrKernelNotFound is returned by Launch when the device has no
	// kernel for the command name.
	ErrKernelNotFound = errors.New("kernel not found")
	// ErrQueueEmpty is the receive status of an empty data channel. It is
	// not a failure.
	ErrQueueEmpty = errors.New("channel queue empty")
	// ErrQueueFull is returned by SendTensor when a channel is at capacity.
	ErrQueueFull = errors.New("channel queue full")
	// ErrChannelClosed is returned for destroyed or unknown channels.
	ErrChannelClosed = errors.New("channel closed")
	// ErrInvalidCompileOpt is returned when the device rejects a compile option value.
	ErrInvalidCompileOpt = errors.New("invalid compile option")
	// ErrRuntimeClosed is returned after Close.
	ErrRuntimeClosed = errors.New("runtime closed")
	// ErrWrongDevice is returned when a tensor is not on the device an API expects.
	ErrWrongDevice = errors.New("tensor on wrong device")
)

// Event is an opaque completion handle. Zero is never a valid handle.
type Event uint64

// ChannelHandle identifies a data-exchange channel on the device.
type ChannelHandle uint64

// CompileOpt names a device compile option.
type CompileOpt int

const (
	CompileOptJitCompile CompileOpt = iota
	CompileOptDebugLevel
	CompileOptDebugDir
	CompileOptCacheMode
	CompileOptCacheDir
	CompileOptPrecisionMode
	CompileOptSelectImplMode
	CompileOptOpTypeListForImplMode
	CompileOptAllowHF32
)

var compileOptNames = map[CompileOpt]string{
	CompileOptJitCompile:            "ACL_OP_JIT_COMPILE",
	CompileOptDebugLevel:            "ACL_OP_DEBUG_LEVEL",
	CompileOptDebugDir:              "ACL_DEBUG_DIR",
	CompileOptCacheMode:             "ACL_OP_COMPILER_CACHE_MODE",
	CompileOptCacheDir:              "ACL_OP_COMPILER_CACHE_DIR",
	CompileOptPrecisionMode:         "ACL_PRECISION_MODE",
	CompileOptSelectImplMode:        "ACL_OP_SELECT_IMPL_MODE",
	CompileOptOpTypeListForImplMode: "ACL_OPTYPELIST_FOR_IMPLMODE",
	CompileOptAllowHF32:             "ACL_ALLOW_HF32",
}

func (o CompileOpt) String() string {
	if s, ok := compileOptNames[o]; ok {
		return s
	}
	return fmt.Sprintf("CompileOpt(%d)", int(o))
}

// Operand is one command input: a device tensor, or a host-side constant
// list (dims, perm and the like) that is baked into the command.
type Operand struct {
	Tensor *Tensor
	Format Format
	Const  []int64
}

// Command is an assembled device command ready for submission.
type Command struct {
	Name       string
	Inputs     []Operand
	Outputs    []*Tensor
	Attrs      map[string]any
	JitCompile bool
}

// DataSet is one unit received from a data channel.
type DataSet struct {
	Names   []string
	Tensors []*Tensor
}

// Empty reports whether the dataset carries no tensors.
func (d *DataSet) Empty() bool { return d == nil || len(d.Tensors) == 0 }

// Runtime is the accelerator SDK boundary. All methods are safe for
// concurrent use. Launch, RecordEvent and the transfers are ordered on the
// device's single stream.
type Runtime interface {
	Device() Device

	// Alloc creates a zeroed accelerator tensor.
	Alloc(shape []int, dtype DataType, format Format) (*Tensor, error)
	// MemcpyToHost copies a device tensor into a new host tensor after all
	// previously submitted work.
	MemcpyToHost(src *Tensor) (*Tensor, error)
	// MemcpyToDevice copies a host tensor into a new device tensor.
	MemcpyToDevice(src *Tensor) (*Tensor, error)
	// CopyHostToDevice overwrites an existing device tensor with host data
	// of identical shape and dtype.
	CopyHostToDevice(dst, src *Tensor) error

	// Launch submits a command to the stream without waiting for it.
	Launch(cmd *Command) error
	// SynchronizeStream waits for all submitted work and returns (and
	// clears) the first kernel failure since the last synchronisation.
	SynchronizeStream() error

	CreateEvent() (Event, error)
	// RecordEvent enqueues a marker; the event completes once the stream
	// reaches it.
	RecordEvent(ev Event) error
	// QueryEvent reports whether the event has completed without blocking.
	QueryEvent(ev Event) (bool, error)
	// SynchronizeEvent blocks until the event completes.
	SynchronizeEvent(ev Event) error
	DestroyEvent(ev Event) error

	SetCompileOpt(opt CompileOpt, value string) error
	InitDump() error
	SetDump(configPath string) error
	FinalizeDump() error

	CreateChannel(name string, capacity int) (ChannelHandle, error)
	DestroyChannel(h ChannelHandle) error
	// SendTensor offers a dataset to the channel (host producer side).
	SendTensor(h ChannelHandle, ds *DataSet) error
	// ReceiveTensor waits up to timeout for a dataset; a zero timeout
	// polls. An empty queue yields ErrQueueEmpty.
	ReceiveTensor(h ChannelHandle, timeout time.Duration) (*DataSet, error)

	Close() error
}
