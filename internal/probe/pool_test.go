package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool_SubmitAndResult(t *testing.T) {
	p := NewPool(2, nil)

	p.Submit(context.Background(), Task{
		IfName: "eth0",
		Mask:   LinkCheck,
		Run: func(ctx context.Context) (ResultMask, error) {
			return ResultMask{LinkOK: true, OK: true}, nil
		},
	})

	select {
	case res := <-p.Results():
		require.NoError(t, res.Err)
		require.True(t, res.Value.OK)
		require.Equal(t, "eth0", res.IfName)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for result")
	}
}

func TestPool_DropsDuplicateInFlight(t *testing.T) {
	p := NewPool(1, nil)
	started := make(chan struct{})
	release := make(chan struct{})

	task := Task{
		IfName: "eth0",
		Mask:   LinkCheck,
		Run: func(ctx context.Context) (ResultMask, error) {
			close(started)
			<-release
			return ResultMask{OK: true}, nil
		},
	}

	p.Submit(context.Background(), task)
	<-started

	// Second submit with the same (IfName, Mask) while the first is
	// still running must be dropped, not queued.
	p.Submit(context.Background(), Task{IfName: "eth0", Mask: LinkCheck, Run: task.Run})

	close(release)

	select {
	case res := <-p.Results():
		require.True(t, res.Value.OK)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for result")
	}

	select {
	case res := <-p.Results():
		t.Fatalf("unexpected second result: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPool_MissingRunFuncReportsError(t *testing.T) {
	p := NewPool(1, nil)
	p.Submit(context.Background(), Task{IfName: "eth0", Mask: LinkCheck})

	select {
	case res := <-p.Results():
		require.Error(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestDecodeExitCode(t *testing.T) {
	r := decodeExitCode(0b00000111, LinkCheck|RouterCheck)
	require.True(t, r.LinkOK)
	require.True(t, r.RouterV4OK)
	require.True(t, r.RouterV6OK)
	require.True(t, r.OK)

	r2 := decodeExitCode(0b00000000, LinkCheck|RouterCheck)
	require.False(t, r2.LinkOK)
	require.False(t, r2.OK)
}
