package rendercore

import "errors"

var (
	// ErrClosed is returned by a Renderer after Teardown.
	ErrClosed = errors.New("rendercore: renderer closed")

	// ErrUnsupportedFormat is returned when initial data is supplied for a
	// texture format without a fixed texel size, such as block-compressed
	// formats.
	ErrUnsupportedFormat = errors.New("rendercore: unsupported texel format")

	// ErrUploadSubmitted is returned when an UploadContext is used after
	// SubmitUploads.
	ErrUploadSubmitted = errors.New("rendercore: upload context already submitted")
)
