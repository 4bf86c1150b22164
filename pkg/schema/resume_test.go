package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeHandle_EncodeDecode(t *testing.T) {
	h := &ResumeHandle{
		FrameID:       "f1",
		SnapshotID:    "snap1",
		ResumeToken:   "tok",
		InterruptType: ToolInterrupt,
		CurrentBlock:  3,
		RestartBlock:  false,
	}

	raw, err := h.Encode()
	require.NoError(t, err)

	got, err := DecodeResumeHandle(raw)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeResumeHandle_Malformed(t *testing.T) {
	_, err := DecodeResumeHandle([]byte("not json"))
	require.Error(t, err)
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrCodeInvalidHandle, fe.Code)
}

func TestDecodeResumeHandle_MissingFields(t *testing.T) {
	for _, raw := range []string{
		`{}`,
		`{"frame_id": "f1"}`,
		`{"resume_token": "tok"}`,
	} {
		_, err := DecodeResumeHandle([]byte(raw))
		require.Error(t, err, raw)
		var fe *FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, ErrCodeInvalidHandle, fe.Code)
	}
}

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodeSkill, "boom")
	assert.Equal(t, "[SKILL_ERROR] boom", err.Error())

	err = NewErrorf(ErrCodeModel, "model %s failed", "m1").WithBlock(2)
	assert.Equal(t, "[MODEL_ERROR] block 3: model m1 failed", err.Error())
}

func TestFlowError_Unwrap(t *testing.T) {
	cause := assert.AnError
	err := NewError(ErrCodeStore, "save failed").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}
