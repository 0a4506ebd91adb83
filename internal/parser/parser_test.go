package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hogwarts-cloud/hogd/internal/models"
)

func Test_ParseOpStatus(t *testing.T) {
	p := New("snf-")

	testCases := []struct {
		name     string
		body     string
		expected models.Message
		wantErr  bool
	}{
		{
			name: "numeric job id",
			body: `{"type":"ganeti-op-status","instance":"snf-42","operation":"OP_INSTANCE_CREATE",` +
				`"jobId":1234,"status":"success","logmsg":"done","event_time":[100,250]}`,
			expected: models.Message{
				Kind:      models.KindVirtualMachine,
				EntityID:  42,
				Opcode:    models.OpInstanceCreate,
				JobID:     "1234",
				Status:    models.JobSuccess,
				Timestamp: time.Unix(100, 250000).UTC(),
				Log:       "done",
			},
		},
		{
			name: "string job id",
			body: `{"type":"ganeti-op-status","instance":"snf-7","operation":"OP_INSTANCE_SHUTDOWN",` +
				`"jobId":"77","status":"running","event_time":[5,0]}`,
			expected: models.Message{
				Kind:      models.KindVirtualMachine,
				EntityID:  7,
				Opcode:    models.OpInstanceShutdown,
				JobID:     "77",
				Status:    models.JobRunning,
				Timestamp: time.Unix(5, 0).UTC(),
			},
		},
		{
			name:    "not json",
			body:    `{"type":`,
			wantErr: true,
		},
		{
			name:    "wrong type",
			body:    `{"type":"ganeti-create-progress","instance":"snf-42","event_time":[1,0]}`,
			wantErr: true,
		},
		{
			name:    "foreign instance",
			body:    `{"type":"ganeti-op-status","instance":"web-42","operation":"OP_INSTANCE_CREATE","event_time":[1,0]}`,
			wantErr: true,
		},
		{
			name:    "short event time",
			body:    `{"type":"ganeti-op-status","instance":"snf-42","event_time":[1]}`,
			wantErr: true,
		},
		{
			name:    "microseconds overflow",
			body:    `{"type":"ganeti-op-status","instance":"snf-42","event_time":[1,1000000]}`,
			wantErr: true,
		},
		{
			name:    "boolean job id",
			body:    `{"type":"ganeti-op-status","instance":"snf-42","jobId":true,"event_time":[1,0]}`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := p.ParseOpStatus([]byte(tc.body))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrMalformedMessage)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expected, msg)
		})
	}
}

func Test_ParseNetworkStatus(t *testing.T) {
	p := New("snf-")

	msg, err := p.ParseNetworkStatus([]byte(`{"type":"ganeti-network-status","network":"snf-net-7",` +
		`"cluster":"ganeti1","operation":"OP_NETWORK_ADD","jobId":9,"status":"success","logmsg":"","event_time":[200,0]}`))
	require.NoError(t, err)
	assert.Equal(t, models.Message{
		Kind:      models.KindBackendNetwork,
		EntityID:  7,
		Backend:   "ganeti1",
		Opcode:    models.OpNetworkAdd,
		JobID:     "9",
		Status:    models.JobSuccess,
		Timestamp: time.Unix(200, 0).UTC(),
	}, msg)

	_, err = p.ParseNetworkStatus([]byte(`{"type":"ganeti-network-status","network":"snf-net-7","event_time":[200,0]}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = p.ParseNetworkStatus([]byte(`{"type":"ganeti-network-status","network":"snf-7","cluster":"ganeti1"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func Test_ParseProgress(t *testing.T) {
	p := New("snf-")

	msg, err := p.ParseProgress([]byte(`{"type":"ganeti-create-progress","instance":"snf-42","rprogress":37.5,"event_time":[10,0]}`))
	require.NoError(t, err)
	assert.Equal(t, models.ProgressMessage{EntityID: 42, Progress: 37.5, Timestamp: time.Unix(10, 0).UTC()}, msg)

	_, err = p.ParseProgress([]byte(`{"type":"ganeti-create-progress","instance":"snf-42","event_time":[10,0]}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
