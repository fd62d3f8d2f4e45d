package errors

import "errors"

// Client errors.
var (
	ErrAuthFailed   = errors.New("authentication failed")
	ErrNotConnected = errors.New("not connected to sync server")
	ErrRecordExists = errors.New("record already exists on server")
)

// Server/transport errors.
var (
	ErrServerRequest      = errors.New("server request failed")
	ErrBadServerResponse  = errors.New("unexpected server response")
	ErrServerUnavailable  = errors.New("sync server unavailable")
	ErrPayloadUndecodable = errors.New("payload could not be decoded")
)
