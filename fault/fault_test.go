package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Meander-Cloud/go-buzzer/fault"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fault.New(fault.KindTimeout, "p1", "sync after %dms", 500)
	assert.ErrorIs(t, err, fault.ErrTimeout)
	assert.NotErrorIs(t, err, fault.ErrNotFound)
	assert.Equal(t, "Timeout: peer=p1: sync after 500ms", err.Error())

	wrapped := fmt.Errorf("connect: %w", fault.New(fault.KindNotFound, "", "gone"))
	assert.ErrorIs(t, wrapped, fault.ErrNotFound)
	assert.Equal(t, fault.StatusNotFound, fault.StatusOf(wrapped))
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, fault.StatusSuccess, fault.StatusOf(nil))
	assert.Equal(t, fault.StatusFailure, fault.StatusOf(errors.New("plain")))
	assert.Equal(t, fault.StatusFailure, fault.StatusOf(fault.ErrOperationFailed))

	for _, status := range []fault.Status{
		fault.StatusAlreadyConnected,
		fault.StatusParseError,
		fault.StatusTimeout,
		fault.StatusTransportUnavailable,
		fault.StatusNotFound,
		fault.StatusRejected,
	} {
		e := fault.New(status.Kind(), "", "%s", status)
		assert.Equal(t, status, fault.StatusOf(e), status.String())
	}
	assert.Equal(t, "Status(-42)", fault.Status(-42).String())
}
