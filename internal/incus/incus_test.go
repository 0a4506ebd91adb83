package incus

import (
	"context"
	"errors"
	"testing"

	incus "github.com/lxc/incus/client"
	"github.com/lxc/incus/shared/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hogwarts-cloud/hogd/internal/models"
)

type serverMock struct {
	mock.Mock
}

func (m *serverMock) CreateInstance(instance api.InstancesPost) (incus.Operation, error) {
	args := m.Called(instance)
	op, _ := args.Get(0).(incus.Operation)
	return op, args.Error(1)
}

func (m *serverMock) UpdateInstanceState(name string, state api.InstanceStatePut, ETag string) (incus.Operation, error) {
	args := m.Called(name, state, ETag)
	op, _ := args.Get(0).(incus.Operation)
	return op, args.Error(1)
}

func (m *serverMock) DeleteInstance(name string) (incus.Operation, error) {
	args := m.Called(name)
	op, _ := args.Get(0).(incus.Operation)
	return op, args.Error(1)
}

func (m *serverMock) CreateNetwork(network api.NetworksPost) error {
	return m.Called(network).Error(0)
}

func (m *serverMock) GetNetwork(name string) (*api.Network, string, error) {
	args := m.Called(name)
	network, _ := args.Get(0).(*api.Network)
	return network, args.String(1), args.Error(2)
}

func (m *serverMock) UpdateNetwork(name string, network api.NetworkPut, ETag string) error {
	return m.Called(name, network, ETag).Error(0)
}

func (m *serverMock) DeleteNetwork(name string) error {
	return m.Called(name).Error(0)
}

type fakeOperation struct {
	incus.Operation
	id      string
	waitErr error
}

func (o *fakeOperation) Get() api.Operation {
	return api.Operation{ID: o.id}
}

func (o *fakeOperation) WaitContext(context.Context) error {
	return o.waitErr
}

func newTestIncus(server *serverMock) *Incus {
	return New(Config{Server: server, Prefix: "snf-", Image: "debian/12", StoragePool: "default"})
}

func Test_CreateInstance(t *testing.T) {
	server := &serverMock{}
	vm := models.VirtualMachine{
		Model:  models.Model{ID: 42},
		UserID: "harry",
		Flavor: models.Flavor{CPU: 2, RAM: 1024, Disk: 10},
	}
	nics := []models.NIC{{Name: "eth0", MAC: "aa:00:10:00:00:01", IPv4: "10.0.0.2", Link: "prv1"}}

	expected := api.InstancesPost{
		InstancePut: api.InstancePut{
			Config: map[string]string{
				UserIDKey:       "harry",
				"limits.cpu":    "2",
				"limits.memory": "1024MB",
			},
			Devices: map[string]map[string]string{
				RootDevice: {"type": "disk", "path": "/", "pool": "default", "size": "10GB"},
				"eth0": {
					"type":         "nic",
					"nictype":      "bridged",
					"name":         "eth0",
					"parent":       "prv1",
					"hwaddr":       "aa:00:10:00:00:01",
					"ipv4.address": "10.0.0.2",
				},
			},
		},
		Name:   "snf-42",
		Source: api.InstanceSource{Type: "image", Alias: "debian/12"},
		Type:   api.InstanceTypeContainer,
		Start:  true,
	}
	server.On("CreateInstance", expected).Return(&fakeOperation{id: "op-1"}, nil)

	jobID, err := newTestIncus(server).CreateInstance(context.Background(), vm, nics)
	require.NoError(t, err)
	assert.Equal(t, "op-1", jobID)
	server.AssertExpectations(t)
}

func Test_CreateInstance_Error(t *testing.T) {
	server := &serverMock{}
	errRefused := errors.New("refused")
	server.On("CreateInstance", mock.Anything).Return(nil, errRefused)

	_, err := newTestIncus(server).CreateInstance(context.Background(), models.VirtualMachine{ImageID: "alpine"}, nil)
	assert.ErrorIs(t, err, errRefused)
}

func Test_UpdateInstanceState(t *testing.T) {
	testCases := []struct {
		name     string
		action   models.Action
		expected string
		wantErr  bool
		err      error
	}{
		{name: "start", action: models.ActionStart, expected: "start"},
		{name: "stop", action: models.ActionStop, expected: "stop"},
		{name: "reboot", action: models.ActionReboot, expected: "restart"},
		{name: "suspend", action: models.ActionSuspend, expected: "freeze"},
		{name: "destroy", action: models.ActionDestroy, wantErr: true, err: ErrUnsupportedAction},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := &serverMock{}
			server.On("UpdateInstanceState", "snf-7", api.InstanceStatePut{Action: tc.expected}, "").
				Return(&fakeOperation{id: "op-" + tc.expected}, nil)

			jobID, err := newTestIncus(server).UpdateInstanceState(context.Background(), models.VirtualMachine{Model: models.Model{ID: 7}}, tc.action)
			if tc.wantErr {
				assert.ErrorIs(t, err, tc.err)
				server.AssertNotCalled(t, "UpdateInstanceState", mock.Anything, mock.Anything, mock.Anything)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "op-"+tc.expected, jobID)
		})
	}
}

func Test_DeleteInstance(t *testing.T) {
	errBusy := errors.New("instance busy")

	testCases := []struct {
		name    string
		waitErr error
		wantErr bool
	}{
		{name: "happy path"},
		{name: "already stopped", waitErr: errors.New("The instance is not running")},
		{name: "stop failed", waitErr: errBusy, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := &serverMock{}
			server.On("UpdateInstanceState", "snf-7", api.InstanceStatePut{Action: "stop", Force: true}, "").
				Return(&fakeOperation{id: "op-stop", waitErr: tc.waitErr}, nil)
			server.On("DeleteInstance", "snf-7").Return(&fakeOperation{id: "op-delete"}, nil)

			jobID, err := newTestIncus(server).DeleteInstance(context.Background(), models.VirtualMachine{Model: models.Model{ID: 7}})
			if tc.wantErr {
				assert.ErrorIs(t, err, errBusy)
				server.AssertNotCalled(t, "DeleteInstance", "snf-7")
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "op-delete", jobID)
		})
	}
}

func Test_CreateNetwork(t *testing.T) {
	server := &serverMock{}
	network := models.Network{
		Model:   models.Model{ID: 3},
		Name:    "private",
		Subnet:  "10.0.0.0/24",
		Gateway: "10.0.0.1",
		Link:    "prv1",
	}

	server.On("CreateNetwork", api.NetworksPost{
		NetworkPut: api.NetworkPut{
			Config: map[string]string{
				"ipv4.address":   "10.0.0.1/24",
				"ipv4.dhcp":      "false",
				"ipv4.nat":       "false",
				"ipv6.address":   "none",
				UserMacPrefixKey: "aa:00:10",
				UserLinkKey:      "prv1",
			},
			Description: "private",
		},
		Name: "snf-net-3",
		Type: NetworkType,
	}).Return(nil)

	jobID, err := newTestIncus(server).CreateNetwork(context.Background(), network, models.BackendNetwork{MacPrefix: "aa:00:10"})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	server.AssertExpectations(t)
}

func Test_ConnectNetwork(t *testing.T) {
	server := &serverMock{}
	current := &api.Network{Name: "snf-net-3", Config: map[string]string{"ipv4.nat": "true"}}

	server.On("GetNetwork", "snf-net-3").Return(current, "etag-1", nil)
	server.On("UpdateNetwork", "snf-net-3", api.NetworkPut{
		Config: map[string]string{"ipv4.nat": "true", UserConnectedKey: "true"},
	}, "etag-1").Return(nil)

	_, err := newTestIncus(server).ConnectNetwork(context.Background(), models.Network{Model: models.Model{ID: 3}}, models.BackendNetwork{})
	require.NoError(t, err)
	server.AssertExpectations(t)
}

func Test_DeleteNetwork(t *testing.T) {
	server := &serverMock{}
	errInUse := errors.New("network in use")
	server.On("DeleteNetwork", "snf-net-3").Return(errInUse)

	_, err := newTestIncus(server).DeleteNetwork(context.Background(), models.Network{Model: models.Model{ID: 3}}, models.BackendNetwork{})
	assert.ErrorIs(t, err, errInUse)
}

func Test_Connector(t *testing.T) {
	dials := 0
	connector := NewConnector(ConnectorConfig{
		Prefix: "snf-",
		Connect: func(url string, _ *incus.ConnectionArgs) (IncusServerProvider, error) {
			dials++
			if url == "" {
				return nil, errors.New("no address")
			}
			return &serverMock{}, nil
		},
	})

	first, err := connector.Client(models.Backend{Model: models.Model{ID: 1}, Address: "https://a:8443"})
	require.NoError(t, err)

	second, err := connector.Client(models.Backend{Model: models.Model{ID: 1}, Address: "https://a:8443"})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, dials)

	_, err = connector.Client(models.Backend{Model: models.Model{ID: 2}})
	assert.Error(t, err)

	_, err = NewConnector(ConnectorConfig{ClientCert: "/nonexistent/client.crt"}).Client(models.Backend{Model: models.Model{ID: 3}})
	assert.Error(t, err)
}

func Test_gatewayAddress(t *testing.T) {
	address, err := gatewayAddress("192.168.4.0/22", "192.168.4.1")
	require.NoError(t, err)
	assert.Equal(t, "192.168.4.1/22", address)

	_, err = gatewayAddress("192.168.4.0", "192.168.4.1")
	assert.Error(t, err)
}
