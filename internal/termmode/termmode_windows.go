//go:build windows

// Terminal manipulation here is a stub, as in the teacher's
// termmode_windows.go: mintty uses named pipes/ptys rather than Windows
// console mode, and a real raw-mode implementation needs more than the
// Go standard library offers today. Password entry still avoids echoing
// cooked input by reading raw bytes directly off the handle.

package termmode

import (
	"io"

	"golang.org/x/sys/windows"
)

// State is a no-op placeholder; raw mode is not implemented on Windows.
type State struct{}

// MakeRaw is a no-op on Windows; see the package doc comment.
func MakeRaw(fd int) (*State, error) { return &State{}, nil }

// Restore is a no-op on Windows; see the package doc comment.
func Restore(fd int, state *State) error { return nil }

// ReadPassword reads one line from fd without local-echo support.
func ReadPassword(fd int) ([]byte, error) {
	return readPasswordLine(fdReader(fd))
}

type fdReader int

func (r fdReader) Read(buf []byte) (int, error) {
	return windows.Read(windows.Handle(r), buf)
}

func readPasswordLine(r io.Reader) ([]byte, error) {
	var buf [1]byte
	var ret []byte
	for {
		n, err := r.Read(buf[:])
		if n > 0 {
			switch buf[0] {
			case '\n':
				return ret, nil
			case '\r':
			default:
				ret = append(ret, buf[0])
			}
			continue
		}
		if err != nil {
			if err == io.EOF && len(ret) > 0 {
				return ret, nil
			}
			return ret, err
		}
	}
}
