package kioskclient

import "errors"

var (
	ErrAlreadyRunning = errors.New("kiosk runner already running")
	ErrWrongState     = errors.New("action not available on the current screen")
)
