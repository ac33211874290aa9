//go:build !windows

package process

// Live is unavailable on this platform.
type Live struct{}

// Attach always fails with ErrNotSupported.
func Attach(name string) (*Live, error) {
	return nil, ErrNotSupported
}

func (l *Live) Read(addr uint64, n int) ([]byte, error) { return nil, ErrNotSupported }

func (l *Live) Modules() ([]Module, error) { return nil, ErrNotSupported }

func (l *Live) Close() error { return nil }
