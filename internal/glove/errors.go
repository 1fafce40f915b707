package glove

import "errors"

var (
	// ErrConfiguration reports a shape mismatch between angles, geometry or
	// a recording and the expected topology. It is never silently coerced.
	ErrConfiguration = errors.New("configuration error")

	// ErrCalibrationRangeDegenerate reports open==closed or low==high
	// references. Results computed alongside it are still usable.
	ErrCalibrationRangeDegenerate = errors.New("calibration range degenerate")

	// ErrRecordingIO reports a recording file that is missing, unreadable or
	// unwritable.
	ErrRecordingIO = errors.New("recording I/O error")

	// ErrNoData is returned by getters before the first frame has arrived.
	ErrNoData = errors.New("no data")
)
