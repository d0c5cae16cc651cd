package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultRoundTripIsByteIdentical(t *testing.T) {
	t.Parallel()

	payloads := []string{
		`{"state":"success","httpCode":200,"executionTime":153}`,
		`{"state":"success","httpCode":503,"executionTime":12.75}`,
		`{"state":"timeout","executionTime":30000}`,
		`{"state":"error","errorCode":"ENOTFOUND"}`,
	}
	for _, p := range payloads {
		r, err := UnmarshalResult([]byte(p))
		require.NoError(t, err, p)
		out, err := MarshalResult(r)
		require.NoError(t, err)
		assert.Equal(t, p, string(out))
	}
}

func TestUnmarshalResultRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":            `{`,
		"missing state":       `{"httpCode":200,"executionTime":1}`,
		"unknown state":       `{"state":"partial"}`,
		"missing http code":   `{"state":"success","executionTime":1}`,
		"fractional code":     `{"state":"success","httpCode":200.5,"executionTime":1}`,
		"negative time":       `{"state":"timeout","executionTime":-1}`,
		"string time":         `{"state":"timeout","executionTime":"1"}`,
		"missing error code":  `{"state":"error"}`,
		"mixed variant field": `{"state":"error","errorCode":"x","httpCode":500}`,
		"key case":            `{"state":"success","HTTPCode":200,"executionTime":1}`,
		"state key case":      `{"STATE":"timeout","executionTime":1}`,
	}
	for name, payload := range cases {
		_, err := UnmarshalResult([]byte(payload))
		assert.ErrorIs(t, err, ErrMalformedResult, name)
	}
}

func TestMarshalResultNil(t *testing.T) {
	t.Parallel()

	_, err := MarshalResult(nil)
	require.ErrorIs(t, err, ErrMalformedResult)
}
