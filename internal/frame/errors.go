package frame

import "errors"

// ErrNonMonotoneStep is returned by Append when the next frame's step does
// not follow the previous one by exactly 1 (§3 SensorFrame invariant).
var ErrNonMonotoneStep = errors.New("frame: step is not previous+1")
