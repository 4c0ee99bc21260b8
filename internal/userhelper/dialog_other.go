//go:build !windows

package userhelper

const scheduleSupported = false

type platformDialogs struct{}

func (platformDialogs) YesNo(string, string) (bool, error) { return false, errUnsupported }

func (platformDialogs) Info(string, string) error { return errUnsupported }

// SessionID is always 0 outside Windows.
func SessionID() uint32 { return 0 }
