// Package transport provides test doubles for the device transport
// boundary. The production transport is an external collaborator; the
// in-memory device fleet lives in transport/stub.
package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify mock of interfaces.DeviceTransport.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) InstallRootOfTrust(ctx context.Context, addr interfaces.DeviceAddress, rot interfaces.RootOfTrust) (interfaces.RemoteStatus, error) {
	args := m.Called(ctx, addr, rot)
	return args.Get(0).(interfaces.RemoteStatus), args.Error(1)
}

func (m *MockTransport) RemoveRootOfTrust(ctx context.Context, addr interfaces.DeviceAddress, rot interfaces.RootOfTrust) (interfaces.RemoteStatus, error) {
	args := m.Called(ctx, addr, rot)
	return args.Get(0).(interfaces.RemoteStatus), args.Error(1)
}

func (m *MockTransport) InstallIdentityCertificate(ctx context.Context, addr interfaces.DeviceAddress, cert interfaces.IdentityCertificate) (interfaces.RemoteStatus, error) {
	args := m.Called(ctx, addr, cert)
	return args.Get(0).(interfaces.RemoteStatus), args.Error(1)
}

func (m *MockTransport) InstallMembershipCertificate(ctx context.Context, addr interfaces.DeviceAddress, group uuid.UUID, cert interfaces.MembershipCertificate) (interfaces.RemoteStatus, error) {
	args := m.Called(ctx, addr, group, cert)
	return args.Get(0).(interfaces.RemoteStatus), args.Error(1)
}

func (m *MockTransport) RemoveMembershipCertificate(ctx context.Context, addr interfaces.DeviceAddress, group uuid.UUID) (interfaces.RemoteStatus, error) {
	args := m.Called(ctx, addr, group)
	return args.Get(0).(interfaces.RemoteStatus), args.Error(1)
}

func (m *MockTransport) InstallPolicy(ctx context.Context, addr interfaces.DeviceAddress, version uint64, policy []byte) (interfaces.RemoteStatus, error) {
	args := m.Called(ctx, addr, version, policy)
	return args.Get(0).(interfaces.RemoteStatus), args.Error(1)
}

func (m *MockTransport) SecurityState(ctx context.Context, addr interfaces.DeviceAddress) (interfaces.RemoteSecurityState, error) {
	args := m.Called(ctx, addr)
	return args.Get(0).(interfaces.RemoteSecurityState), args.Error(1)
}
