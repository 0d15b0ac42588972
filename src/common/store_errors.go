package common

import "fmt"

// StoreErrType ...
type StoreErrType uint32

const (
	// KeyNotFound - the key has never been indexed, or was retracted.
	KeyNotFound StoreErrType = iota
	// Unavailable - the backing storage failed; the operation was not
	// partially applied and may be retried by the caller.
	Unavailable
	// Tombstoned - the key was explicitly retracted; only the manifest
	// survives.
	Tombstoned
)

// StoreErr ...
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr ...
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error ...
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case Unavailable:
		m = "Store Unavailable"
	case Tombstoned:
		m = "Tombstoned"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that its code matches
// the provided code.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
