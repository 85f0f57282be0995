package hook

import (
	"unsafe"
)

// Raw is a register-sized untyped value captured at call entry. It is
// decoded to a typed view (flags word, descriptor, C string) only at the
// consumer that knows the argument's meaning.
type Raw uintptr

// Int32 reinterprets the low 32 bits as a signed C int. Process ids and
// open flags travel this way.
func (r Raw) Int32() int32 {
	return int32(uint32(r))
}

// FD reinterprets the value as a file descriptor.
func (r Raw) FD() int {
	return int(r.Int32())
}

// maxCString bounds the scan for a terminating NUL. A path or mode string
// beyond this length means the pointer was not a string at all.
const maxCString = 4096

// CString reads the NUL-terminated string the value points to in the host
// process's memory. ok is false for a nil pointer or a missing terminator.
func (r Raw) CString() (string, bool) {
	if r == 0 {
		return "", false
	}
	buf := make([]byte, 0, 64)
	for i := uintptr(0); i < maxCString; i++ {
		b := *(*byte)(unsafe.Pointer(uintptr(r) + i))
		if b == 0 {
			return string(buf), true
		}
		buf = append(buf, b)
	}
	return "", false
}
