// Package bufview provides a non-owning window over a caller-owned byte slice.
package bufview

// View describes the unfilled (or unsent) part of a caller's buffer.
// Partial reads and writes advance it with Skip.
type View struct {
	buf []byte
	off int
}

// New returns a View covering all of b.
func New(b []byte) View {
	return View{buf: b}
}

// Data returns the remaining bytes.
func (v *View) Data() []byte {
	return v.buf[v.off:]
}

// Size returns the number of remaining bytes.
func (v *View) Size() int {
	return len(v.buf) - v.off
}

// Skip advances the window by n bytes. n is clamped to Size.
func (v *View) Skip(n int) {
	if n > v.Size() {
		n = v.Size()
	}
	v.off += n
}

// Done reports the number of bytes skipped so far.
func (v *View) Done() int {
	return v.off
}
