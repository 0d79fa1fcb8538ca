package engine

// CString is a name buffer handed to the engine by reference. The engine
// keeps the pointer instead of copying the bytes, so the caller must keep the
// buffer alive (not Free it) for as long as the VM may resolve the name.
type CString struct {
	b     []byte
	freed bool
}

func NewCString(s string) *CString {
	return &CString{b: []byte(s)}
}

// String returns the current contents; ok is false once the buffer was freed.
func (c *CString) String() (s string, ok bool) {
	if c == nil || c.freed {
		return "", false
	}
	return string(c.b), true
}

// Free invalidates the buffer. Freeing twice is a no-op.
func (c *CString) Free() {
	if c == nil {
		return
	}
	c.freed = true
	c.b = nil
}

func (c *CString) Freed() bool { return c == nil || c.freed }
