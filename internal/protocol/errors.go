package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Realm registry/routing.
	ErrRealmNotFound   = "E_REALM_NOT_FOUND"
	ErrRealmDuplicate  = "E_REALM_DUPLICATE"
	ErrRealmPaused     = "E_REALM_PAUSED"
	ErrRealmBusy       = "E_REALM_BUSY"
	ErrDuplicateSub    = "E_DUPLICATE_SUBSCRIPTION"
	ErrEventUnroutable = "E_EVENT_UNROUTABLE"

	ErrBadRequest = "E_BAD_REQUEST"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrRealmNotFound:   {},
	ErrRealmDuplicate:  {},
	ErrRealmPaused:     {},
	ErrRealmBusy:       {},
	ErrDuplicateSub:    {},
	ErrEventUnroutable: {},
	ErrBadRequest:      {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
