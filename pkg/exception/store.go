package exception

import "github.com/yanun0323/errors"

var (
	ErrStoreNotFound      = errors.New("store: not found")
	ErrStoreDuplicate     = errors.New("store: duplicate")
	ErrStoreInvalidRecord = errors.New("store: invalid record")
)
