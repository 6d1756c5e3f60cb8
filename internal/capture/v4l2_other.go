//go:build !linux

package capture

// NewV4L2Driver reports that this platform has no Video4Linux support.
func NewV4L2Driver() (Driver, error) {
	return nil, ErrUnsupported
}
