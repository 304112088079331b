package bridge

import "errors"

// ErrEngineNotReady is returned for queries issued outside Ready and for
// commands issued while the engine is stopping.
var ErrEngineNotReady = errors.New("engine not ready")
