package mlerrors

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := Errorf(NotFound, "artifacts.LatestVersion", "no versions available under %q", "/tmp/x")
	wrapped := fmt.Errorf("loading model: %w", err)

	assert.True(t, Is(wrapped, NotFound))
	assert.False(t, Is(wrapped, IO))
	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, NotFound))
}

func TestUnwrapReachesCause(t *testing.T) {
	err := E(IO, "schema.ReadLayoutFile", fmt.Errorf("opening: %w", os.ErrNotExist))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "schema.ReadLayoutFile: io error")
}

func TestGRPCStatusMapping(t *testing.T) {
	cases := map[Kind]codes.Code{
		NotFound:              codes.NotFound,
		Precondition:          codes.FailedPrecondition,
		Malformed:             codes.InvalidArgument,
		UnsupportedConversion: codes.InvalidArgument,
		SubprocessFailure:     codes.Internal,
		Unknown:               codes.Unknown,
	}
	for kind, want := range cases {
		err := fmt.Errorf("outer: %w", E(kind, "op", errors.New("boom")))
		assert.Equal(t, want, status.Code(err), "kind %v", kind)
	}
}
