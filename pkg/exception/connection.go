package exception

import "github.com/yanun0323/errors"

var (
	ErrConnectionClose  = errors.New("connection closed")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrStoreUnavailable = errors.New("store: unavailable")
)
