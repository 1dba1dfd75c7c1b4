package workerreg

import "errors"

// ErrUnknownWorker is spec.md §7's UnknownWorker error kind: a worker node
// referenced a tool id the registry has no capability for.
var ErrUnknownWorker = errors.New("workerreg: unknown worker")
