package domain

import "errors"

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrNodeNotFound = errors.New("node not found")
	ErrLockBusy     = errors.New("lock unavailable")
	ErrNoNode       = errors.New("no eligible node")
	ErrNodeAtCapacity = errors.New("node at capacity")
)
