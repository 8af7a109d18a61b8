package exception

import "errors"

var (
	ErrOrderInvalidSignal   = errors.New("order: invalid signal")
	ErrOrderSignalCancelled = errors.New("order: signal cancelled")
	ErrOrderDuplicate       = errors.New("order: duplicate submission")
	ErrOrderPanic           = errors.New("order: task panicked")
	ErrOrderUnconfirmed     = errors.New("order: terminal status not observed")
)

var (
	ErrWatcherRunning = errors.New("watcher: already running")
)
