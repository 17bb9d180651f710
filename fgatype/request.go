// Package fgatype defines the wire vocabulary shared by dispatch and
// transport: the tagged request union, the response envelope, and the
// tuple/store payloads each variant carries.
package fgatype

// Variant tags a Request's payload, per spec.md §3's "Tagged union over:
// CheckTuple, WriteTuple, DeleteTuple, GetStore, CreateStore, DeleteStore".
type Variant uint8

const (
	CheckTuple Variant = iota
	WriteTuple
	DeleteTuple
	GetStore
	CreateStore
	DeleteStore
)

func (v Variant) String() string {
	switch v {
	case CheckTuple:
		return "CheckTuple"
	case WriteTuple:
		return "WriteTuple"
	case DeleteTuple:
		return "DeleteTuple"
	case GetStore:
		return "GetStore"
	case CreateStore:
		return "CreateStore"
	case DeleteStore:
		return "DeleteStore"
	default:
		return "Unknown"
	}
}

// TupleKey is an authorization fact's identity: (object, relation, subject),
// each object/subject expressed as "type:id" once serialized to the wire,
// kept split here for cheap field access and fingerprinting.
type TupleKey struct {
	ObjectType  string
	ObjectID    string
	Relation    string
	SubjectType string
	SubjectID   string
}

// Empty reports whether any required field of k is unset — used by
// dispatch to reject ClientError requests before dispatch, per spec.md §7.
func (k TupleKey) Empty() bool {
	return k.ObjectType == "" || k.ObjectID == "" || k.Relation == "" ||
		k.SubjectType == "" || k.SubjectID == ""
}

// Request is the tagged union dispatched to transport. postfga.Core fills
// StoreID and ModelID from its configuration when it builds Check and
// tuple requests; dispatch and transport send whatever the request
// carries and do not fill in empty fields.
type Request struct {
	Variant Variant
	StoreID string
	ModelID string

	// Tuple is populated for CheckTuple, WriteTuple, DeleteTuple.
	Tuple TupleKey

	// StoreName is populated for CreateStore.
	StoreName string

	// TargetStoreID is populated for GetStore, DeleteStore (the store
	// being read or removed, which may differ from StoreID's default
	// scoping store in a multi-tenant embedder).
	TargetStoreID string
}

// Status is the outcome of dispatching a Request, per spec.md §3.
type Status uint8

const (
	StatusOk Status = iota
	StatusClientError
	StatusTransportError
	StatusServerError
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusClientError:
		return "ClientError"
	case StatusTransportError:
		return "TransportError"
	case StatusServerError:
		return "ServerError"
	default:
		return "Unknown"
	}
}

// maxErrorMessage bounds Response.ErrorMessage, mirroring the fixed-size
// error buffer of spec.md §3's Response.
const maxErrorMessage = 256

// Response is the fixed-shape envelope returned to the channel layer.
type Response struct {
	Status       Status
	ErrorMessage string

	// Allowed is populated for CheckTuple.
	Allowed bool

	// StoreID, StoreName are populated for CreateStore/GetStore.
	StoreID   string
	StoreName string
}

// SetError truncates msg to the fixed error-message capacity before
// storing it, mirroring the original's fixed char[] buffer.
func (r *Response) SetError(status Status, msg string) {
	r.Status = status
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	r.ErrorMessage = msg
}
