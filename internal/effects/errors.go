package effects

import "errors"

// ErrUnknownKind — эффект неизвестного вида. Такие записи сразу уходят в DEAD.
var ErrUnknownKind = errors.New("unknown effect kind")
