package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayloadValidate(t *testing.T) {
	assert.NoError(t, Payload{{Key: "a", Value: "1"}, {Key: "b", Value: ""}}.Validate())

	cases := map[string]Payload{
		"empty":               nil,
		"empty key":           {{Key: "", Value: "1"}},
		"duplicate key":       {{Key: "a", Value: "1"}, {Key: "a", Value: "2"}},
		"invalid utf-8 key":   {{Key: "\xff\xfe", Value: "1"}},
		"invalid utf-8 value": {{Key: "k", Value: "\xff\xfe"}},
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			var invalid *InvalidParameterError
			assert.ErrorAs(t, payload.Validate(), &invalid)
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, Initiated.CanAdvanceTo(Preparing))
	assert.True(t, Prepared.CanAdvanceTo(Committing))
	assert.True(t, Prepared.CanAdvanceTo(Aborting))
	assert.False(t, Preparing.CanAdvanceTo(Committing))
	assert.False(t, Committed.CanAdvanceTo(Aborting))
	assert.True(t, Aborted.Terminal())
	assert.False(t, Aborting.Terminal())
}
