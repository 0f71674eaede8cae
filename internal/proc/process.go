// Package proc abstracts a running interactive agent process behind one
// narrow contract, whether it lives on the local machine (a PTY child) or on
// a remote worker (an SSH shell channel).
package proc

// ExitEvent is the single terminal event a Process emits. ResumeToken is the
// opaque identifier the wrapped CLI announced during its run, empty when none
// was observed (always empty for remote processes).
type ExitEvent struct {
	Code        int
	ResumeToken string
}

// Process is a live interactive process. Data delivers output chunks in the
// order produced and is closed before the exit event is delivered; Exit
// yields exactly one event over the process lifetime.
type Process interface {
	SessionID() string
	// PID returns the local OS pid, or 0 for remote processes.
	PID() int
	Write(p []byte) error
	Resize(cols, rows uint16) error
	// Kill requests termination. It never reports session state; the caller
	// observes the eventual ExitEvent instead.
	Kill() error
	Data() <-chan []byte
	Exit() <-chan ExitEvent
}
