package pgstream

import (
	"testing"

	"github.com/lib/pgstream/codes"
	"github.com/lib/pgstream/pkg/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code codes.Code
		want ErrKind
	}{
		{codes.Code("08006"), KindTransientConnection},
		{codes.Code("23505"), KindDataIntegrity},
		{codes.Code("42601"), KindBadGrammar},
		{codes.Code("40001"), KindTransientException},
		{codes.Code("40P01"), KindTransientException},
		{codes.Code("40000"), KindRollback},
		{codes.InvalidPassword, KindNonTransientResource},
		{codes.ProtocolViolation, KindNonTransientResource},
		{codes.FeatureNotSupported, KindNonTransientResource},
		{codes.Code("99999"), KindUnknown},
	}

	for _, tc := range cases {
		assert.Equalf(t, tc.want, Classify(tc.code), "code %s", tc.code)
	}
}

func TestNewServerErrorClassifiesAndDecorates(t *testing.T) {
	t.Parallel()

	fields := map[buffer.ServerErrFieldType]string{
		buffer.ServerErrFieldSeverity:   "ERROR",
		buffer.ServerErrFieldSQLState:   "23505",
		buffer.ServerErrFieldMsgPrimary: "duplicate key value violates unique constraint",
		buffer.ServerErrFieldDetail:     "Key (id)=(1) already exists.",
		buffer.ServerErrFieldHint:       "",
		buffer.ServerErrFieldPosition:   "17",
	}

	err := newServerError(fields)
	require.Error(t, err)

	se, ok := AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Code("23505"), se.Code)
	assert.Equal(t, KindDataIntegrity, se.Kind)
	assert.Equal(t, "duplicate key value violates unique constraint", se.Message)
	assert.EqualValues(t, 17, se.Position)
	assert.Contains(t, se.Error(), "23505")
}

func TestAsServerErrorFalseForOtherErrors(t *testing.T) {
	t.Parallel()

	_, ok := AsServerError(assertError{})
	assert.False(t, ok)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
