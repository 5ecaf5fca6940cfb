package host

import "strings"

// ThreadState is the runtime's thread state bitmask. Bit values follow the
// JVMTI thread state layout.
type ThreadState int32

const (
	StateAlive                 ThreadState = 0x0001
	StateTerminated            ThreadState = 0x0002
	StateRunnable              ThreadState = 0x0004
	StateWaitingIndefinitely   ThreadState = 0x0010
	StateWaitingWithTimeout    ThreadState = 0x0020
	StateSleeping              ThreadState = 0x0040
	StateWaiting               ThreadState = 0x0080
	StateInObjectWait          ThreadState = 0x0100
	StateParked                ThreadState = 0x0200
	StateBlockedOnMonitorEnter ThreadState = 0x0400
	StateSuspended             ThreadState = 0x100000
	StateInterrupted           ThreadState = 0x200000
	StateInNative              ThreadState = 0x400000
)

var stateNames = []struct {
	bit  ThreadState
	name string
}{
	{StateAlive, "ALIVE"},
	{StateTerminated, "TERMINATED"},
	{StateRunnable, "RUNNABLE"},
	{StateWaitingIndefinitely, "WAITING_INDEFINITELY"},
	{StateWaitingWithTimeout, "WAITING_WITH_TIMEOUT"},
	{StateSleeping, "SLEEPING"},
	{StateWaiting, "WAITING"},
	{StateInObjectWait, "IN_OBJECT_WAIT"},
	{StateParked, "PARKED"},
	{StateBlockedOnMonitorEnter, "BLOCKED_ON_MONITOR_ENTER"},
	{StateSuspended, "SUSPENDED"},
	{StateInterrupted, "INTERRUPTED"},
	{StateInNative, "IN_NATIVE"},
}

// Has reports whether every bit of flag is set.
func (s ThreadState) Has(flag ThreadState) bool {
	return s&flag == flag
}

// String renders the set bits as NAME|NAME. A zero state (new or not yet
// started) renders as NEW.
func (s ThreadState) String() string {
	if s == 0 {
		return "NEW"
	}
	var b strings.Builder
	for _, sn := range stateNames {
		if s&sn.bit == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(sn.name)
	}
	if b.Len() == 0 {
		return "UNKNOWN"
	}
	return b.String()
}
