package types

import "time"

// Kind identifies the intercepted operation an event describes.
type Kind string

const (
	KindExec    Kind = "exec"
	KindOpen    Kind = "open"
	KindClose   Kind = "close"
	KindCreate  Kind = "create"
	KindMkdir   Kind = "mkdir"
	KindUnlink  Kind = "unlink"
	KindRmdir   Kind = "rmdir"
	KindRename  Kind = "rename"
	KindLink    Kind = "link"
	KindSymlink Kind = "symlink"
	KindSetattr Kind = "setattr"
	KindMmap    Kind = "mmap"
	KindPtrace  Kind = "ptrace"
	KindSignal  Kind = "signal"
	KindSetUID  Kind = "setuid"
	KindSetGID  Kind = "setgid"
	KindClone   Kind = "clone"
	KindExit    Kind = "exit"
)

// ReportFlags classify how an event is delivered and enforced.
type ReportFlags uint16

const (
	// FlagStall marks the event as blocking: the capturing thread waits
	// for a decision before the operation proceeds.
	FlagStall ReportFlags = 1 << 0
	// FlagAudit marks the event as reportable for audit.
	FlagAudit ReportFlags = 1 << 1
	// FlagSelf marks events generated by the agent process itself.
	FlagSelf ReportFlags = 1 << 2
	// FlagIgnore marks the event as discardable when ignore handling is on.
	FlagIgnore ReportFlags = 1 << 3
)

func (f ReportFlags) Has(flag ReportFlags) bool { return f&flag != 0 }

// Event is one captured security-relevant operation. It is immutable once
// filled; ownership passes to whichever side finishes processing it (the
// stall waiter, the delivery queue consumer, or the producer on a failed
// enqueue).
type Event struct {
	RequestID uint64      `json:"request_id"`
	TID       uint32      `json:"tid"`
	Kind      Kind        `json:"kind"`
	Flags     ReportFlags `json:"flags"`
	Timestamp time.Time   `json:"timestamp"`

	Exec   *ExecPayload   `json:"exec,omitempty"`
	File   *FilePayload   `json:"file,omitempty"`
	Mmap   *MmapPayload   `json:"mmap,omitempty"`
	Ptrace *PtracePayload `json:"ptrace,omitempty"`
	Signal *SignalPayload `json:"signal,omitempty"`
	Cred   *CredPayload   `json:"cred,omitempty"`
	Task   *TaskPayload   `json:"task,omitempty"`
}

// Path returns the primary path carried by the event, if any.
func (e *Event) Path() string {
	switch {
	case e.Exec != nil:
		return e.Exec.Path
	case e.File != nil:
		return e.File.Path
	case e.Mmap != nil:
		return e.Mmap.Path
	}
	return ""
}

// Blocking reports whether the event should stall its capturing thread.
func (e *Event) Blocking() bool { return e.Flags.Has(FlagStall) }

type ExecPayload struct {
	Path string `json:"path"`
	UID  uint32 `json:"uid"`
	GID  uint32 `json:"gid"`
}

type FilePayload struct {
	Path string `json:"path"`
	// NewPath is set for rename, link and symlink.
	NewPath string `json:"new_path,omitempty"`
	Dev     uint64 `json:"dev,omitempty"`
	Ino     uint64 `json:"ino,omitempty"`
	Mode    uint32 `json:"mode,omitempty"`
}

type MmapPayload struct {
	Path  string `json:"path,omitempty"`
	Prot  uint64 `json:"prot"`
	Flags uint64 `json:"flags"`
}

type PtracePayload struct {
	TargetTID uint32 `json:"target_tid"`
	Mode      uint32 `json:"mode"`
}

type SignalPayload struct {
	TargetTID uint32 `json:"target_tid"`
	Signal    int    `json:"signal"`
}

type CredPayload struct {
	OldUID uint32 `json:"old_uid"`
	NewUID uint32 `json:"new_uid"`
	OldGID uint32 `json:"old_gid"`
	NewGID uint32 `json:"new_gid"`
}

type TaskPayload struct {
	PPID     uint32 `json:"ppid,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}
