package transport

import "fmt"

// Error is a transport-level error carrying a stable, cross-boundary
// identifier string in addition to the usual Go error message.
type Error struct {
	// ID is a stable identifier suitable for matching across process or
	// language boundaries, e.g. "TransportRaceCondition".
	ID string
	// Detail is a human-readable description of what failed.
	Detail string
	// Cause is the underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ID, e.Detail, e.Cause)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.ID, e.Detail)
	}
	return e.ID
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(id, detail string, cause error) *Error {
	return &Error{ID: id, Detail: detail, Cause: cause}
}

// Stable identifiers for every member of the transport-error taxonomy.
const (
	idPendingActionOnDevice = "TransportRaceCondition"
	idUserRefusedOnDevice   = "UserRefusedOnDevice"
	idScanTimedOut          = "ListenTimeout"
	idBluetoothNotAvailable = "BluetoothNotAvaliable" // sic: stable identifier kept as specified
	idConnectError          = "ConnectionError"
	idCurrentConnectedError = "CurrentConnectedError"
	idWriteError            = "WriteError"
	idReadError             = "ReadError"
	idListenError           = "ListenError"
	idScanError             = "ScanError"
	idPairingError          = "PairError"
	idLowerLevelError       = "LowerLevelError"
	idFormatNotSupported    = "FormatNotSupported"
	idCouldNotParseResponse = "CouldNotParseResponseData"
)

func ErrPendingActionOnDevice() error {
	return newErr(idPendingActionOnDevice, "an exchange is already in flight on this session", nil)
}

func ErrUserRefusedOnDevice() error {
	return newErr(idUserRefusedOnDevice, "user rejected the action on the device", nil)
}

func ErrScanTimedOut() error {
	return newErr(idScanTimedOut, "scan duration elapsed with no matching peripheral", nil)
}

func ErrBluetoothNotAvailable(detail string) error {
	return newErr(idBluetoothNotAvailable, detail, nil)
}

func ErrConnect(detail string, cause error) error {
	return newErr(idConnectError, detail, cause)
}

func ErrCurrentConnected(detail string) error {
	return newErr(idCurrentConnectedError, detail, nil)
}

func ErrWrite(detail string, cause error) error {
	return newErr(idWriteError, detail, cause)
}

func ErrRead(detail string, cause error) error {
	return newErr(idReadError, detail, cause)
}

func ErrListen(detail string, cause error) error {
	return newErr(idListenError, detail, cause)
}

func ErrScan(detail string, cause error) error {
	return newErr(idScanError, detail, cause)
}

func ErrPairing(detail string, cause error) error {
	return newErr(idPairingError, detail, cause)
}

func ErrLowerLevel(detail string, cause error) error {
	return newErr(idLowerLevelError, detail, cause)
}

func ErrFormatNotSupported(detail string) error {
	return newErr(idFormatNotSupported, detail, nil)
}

func ErrCouldNotParseResponse(detail string) error {
	return newErr(idCouldNotParseResponse, detail, nil)
}

// IsID reports whether err is a *Error with the given stable identifier.
func IsID(err error, id string) bool {
	var e *Error
	for err != nil {
		if te, ok := err.(*Error); ok {
			e = te
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.ID == id
}
