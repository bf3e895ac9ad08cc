package monitor

import "errors"

// ErrAlreadyDead is the reason delivered to a watch installed after its
// subject has already been fired.
var ErrAlreadyDead = errors.New("monitor: subject already dead")
