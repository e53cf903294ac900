package exception

import "github.com/yanun0323/errors"

var (
	ErrBoundaryRejected     = errors.New("boundary: request rejected by provider")
	ErrBoundaryBadResponse  = errors.New("boundary: malformed provider response")
	ErrBoundaryUnsupported  = errors.New("boundary: unsupported mutation action")
	ErrBoundaryMissingCreds = errors.New("boundary: missing provider credentials")
)
