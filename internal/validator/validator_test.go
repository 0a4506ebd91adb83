package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/hogwarts-cloud/hogd/internal/models"
	"github.com/hogwarts-cloud/hogd/internal/parser"
	"github.com/hogwarts-cloud/hogd/internal/transport"
)

func Test_ValidateMessage(t *testing.T) {
	valid := models.Message{
		Kind:      models.KindVirtualMachine,
		EntityID:  42,
		Opcode:    models.OpInstanceCreate,
		JobID:     "1",
		Status:    models.JobSuccess,
		Timestamp: time.Unix(100, 0),
	}

	testCases := []struct {
		name    string
		mutate  func(msg *models.Message)
		wantErr bool
	}{
		{name: "valid", mutate: func(*models.Message) {}},
		{name: "missing id", mutate: func(msg *models.Message) { msg.EntityID = 0 }, wantErr: true},
		{name: "missing opcode", mutate: func(msg *models.Message) { msg.Opcode = "" }, wantErr: true},
		{name: "unknown status", mutate: func(msg *models.Message) { msg.Status = "lost" }, wantErr: true},
		{name: "missing time", mutate: func(msg *models.Message) { msg.Timestamp = time.Time{} }, wantErr: true},
		{
			name: "network without cluster",
			mutate: func(msg *models.Message) {
				msg.Kind = models.KindBackendNetwork
				msg.Opcode = models.OpNetworkAdd
			},
			wantErr: true,
		},
		{
			name: "unknown opcode is left to the tables",
			mutate: func(msg *models.Message) {
				msg.Opcode = "OP_CLUSTER_VERIFY"
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := valid
			tc.mutate(&msg)

			err := ValidateMessage(msg)
			if tc.wantErr {
				assert.ErrorIs(t, err, parser.ErrMalformedMessage)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func Test_ValidateProgress(t *testing.T) {
	assert.NoError(t, ValidateProgress(models.ProgressMessage{EntityID: 1, Progress: 10, Timestamp: time.Unix(1, 0)}))
	assert.ErrorIs(t, ValidateProgress(models.ProgressMessage{Timestamp: time.Unix(1, 0)}), parser.ErrMalformedMessage)
	assert.ErrorIs(t, ValidateProgress(models.ProgressMessage{EntityID: 1}), parser.ErrMalformedMessage)
}

func Test_ValidateBindings(t *testing.T) {
	known := func(handler string) bool { return handler == "update_db" || handler == "update_network" }

	bindings := []transport.Binding{
		{Queue: "events-op", Exchange: "ganeti", RoutingKey: "ganeti.*.event.op", Handler: "update_db"},
		{Queue: "events-net", Exchange: "ganeti", RoutingKey: "ganeti.*.event.network", Handler: "update_network"},
		{Queue: "events-op", Exchange: "ganeti", RoutingKey: "ganeti.*.event.op", Handler: "update_billing"},
		{Queue: "events-missing", Exchange: "other", RoutingKey: "#", Handler: "update_db"},
	}

	valid, err := ValidateBindings(bindings, []string{"events-op", "events-net"}, []string{"ganeti"}, known)
	require.Error(t, err)
	assert.Equal(t, bindings[:2], valid)

	assert.ErrorIs(t, err, ErrUnknownHandler)
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.ErrorIs(t, err, ErrUnknownExchange)
	assert.Len(t, multierr.Errors(err), 2)

	valid, err = ValidateBindings(bindings[:2], []string{"events-op", "events-net"}, []string{"ganeti"}, known)
	require.NoError(t, err)
	assert.Len(t, valid, 2)
}
