package storage

import "errors"

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed is returned when the database cannot be opened
	ErrConnectionFailed = errors.New("connection failed")

	// ErrQueryFailed is returned when a database operation fails
	ErrQueryFailed = errors.New("query failed")

	// ErrBufferFull is returned when the async write buffer is full
	ErrBufferFull = errors.New("buffer full")

	// ErrClosed is returned when using a closed storage
	ErrClosed = errors.New("storage is closed")
)
