//go:build windows

package userhelper

import (
	"fmt"

	"golang.org/x/sys/windows"
)

const scheduleSupported = true

// idYes is the MessageBox return value for the Yes button.
const idYes = 6

const dialogFlags = windows.MB_SYSTEMMODAL | windows.MB_TOPMOST | windows.MB_SETFOREGROUND

type platformDialogs struct{}

func (platformDialogs) YesNo(title, text string) (bool, error) {
	ret, err := messageBox(title, text, windows.MB_YESNO|windows.MB_ICONQUESTION|dialogFlags)
	if err != nil {
		return false, err
	}
	return ret == idYes, nil
}

func (platformDialogs) Info(title, text string) error {
	_, err := messageBox(title, text, windows.MB_OK|windows.MB_ICONINFORMATION|dialogFlags)
	return err
}

func messageBox(title, text string, flags uint32) (int32, error) {
	t, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return 0, fmt.Errorf("dialog title: %w", err)
	}
	m, err := windows.UTF16PtrFromString(text)
	if err != nil {
		return 0, fmt.Errorf("dialog text: %w", err)
	}
	ret, err := windows.MessageBox(0, m, t, flags)
	if ret == 0 {
		return 0, fmt.Errorf("MessageBox: %w", err)
	}
	return ret, nil
}

// SessionID returns the Windows session the helper runs in.
func SessionID() uint32 {
	var sessionID uint32
	if err := windows.ProcessIdToSessionId(windows.GetCurrentProcessId(), &sessionID); err != nil {
		return 0
	}
	return sessionID
}
