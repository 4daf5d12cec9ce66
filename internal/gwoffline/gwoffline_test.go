package gwoffline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCollaborator struct {
	ready      bool
	readyErr   error
	activated  int
	deactivated int
}

func (f *fakeCollaborator) Ready(ctx context.Context) (bool, error) { return f.ready, f.readyErr }
func (f *fakeCollaborator) Activate(ctx context.Context) error {
	f.activated++
	return nil
}
func (f *fakeCollaborator) Deactivate(ctx context.Context) error {
	f.deactivated++
	return nil
}

func TestEvaluate_BelowThresholdDoesNotActivate(t *testing.T) {
	c := &fakeCollaborator{ready: true}
	ctrl := New(c, nil)
	ctrl.RecordRestartFailure()
	ctrl.RecordRestartFailure()

	require.False(t, ctrl.Evaluate(context.Background()))
	require.Equal(t, 0, c.activated)
}

func TestEvaluate_AtThresholdActivatesWhenReady(t *testing.T) {
	c := &fakeCollaborator{ready: true}
	ctrl := New(c, nil)
	for i := 0; i < RetryThreshold; i++ {
		ctrl.RecordRestartFailure()
	}

	require.True(t, ctrl.Evaluate(context.Background()))
	require.Equal(t, 1, c.activated)
	require.True(t, ctrl.Active())
}

func TestEvaluate_NotReadyFallsThrough(t *testing.T) {
	c := &fakeCollaborator{ready: false}
	ctrl := New(c, nil)
	for i := 0; i < RetryThreshold; i++ {
		ctrl.RecordRestartFailure()
	}

	require.False(t, ctrl.Evaluate(context.Background()))
	require.Equal(t, 0, c.activated)
}

func TestRecordConnected_ResetsAndDeactivates(t *testing.T) {
	c := &fakeCollaborator{ready: true}
	ctrl := New(c, nil)
	for i := 0; i < RetryThreshold; i++ {
		ctrl.RecordRestartFailure()
	}
	ctrl.Evaluate(context.Background())
	require.True(t, ctrl.Active())

	ctrl.RecordConnected(context.Background())
	require.False(t, ctrl.Active())
	require.Equal(t, 1, c.deactivated)

	require.False(t, ctrl.Evaluate(context.Background()))
}

func TestNilCollaborator_NeverActivates(t *testing.T) {
	ctrl := New(nil, nil)
	for i := 0; i < RetryThreshold+5; i++ {
		ctrl.RecordRestartFailure()
	}
	require.False(t, ctrl.Evaluate(context.Background()))
}
