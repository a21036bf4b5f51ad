package interfaces

import "errors"

var (
	ErrActivityLogClosed = errors.New("activity log is closed")
	ErrActivityQueueFull = errors.New("activity log queue is full")
)
