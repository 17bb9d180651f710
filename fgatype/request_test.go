package fgatype

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTupleKeyEmpty(t *testing.T) {
	require.True(t, TupleKey{}.Empty())
	full := TupleKey{ObjectType: "doc", ObjectID: "budget", Relation: "reader", SubjectType: "user", SubjectID: "alice"}
	require.False(t, full.Empty())

	missingRelation := full
	missingRelation.Relation = ""
	require.True(t, missingRelation.Empty())
}

func TestResponseSetErrorTruncatesMessage(t *testing.T) {
	var r Response
	long := strings.Repeat("x", maxErrorMessage+50)
	r.SetError(StatusServerError, long)
	require.Equal(t, StatusServerError, r.Status)
	require.Len(t, r.ErrorMessage, maxErrorMessage)
}

func TestVariantAndStatusStringers(t *testing.T) {
	require.Equal(t, "CheckTuple", CheckTuple.String())
	require.Equal(t, "DeleteStore", DeleteStore.String())
	require.Equal(t, "Unknown", Variant(255).String())

	require.Equal(t, "Ok", StatusOk.String())
	require.Equal(t, "TransportError", StatusTransportError.String())
	require.Equal(t, "Unknown", Status(255).String())
}
