//go:build linux

package halsim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sched "github.com/kernellab/mlfqsched"
	"github.com/kernellab/mlfqsched/halsim"
)

// TestEventfdMachine_BootSpawnExitShutdown drives the same boot/spawn/
// exit/shutdown cycle as the channel-backed Machine, but over real Linux
// eventfds, exercising CoreHalt/CoreRestartOne/CoreRestartAll's eventfd
// path end to end.
func TestEventfdMachine_BootSpawnExitShutdown(t *testing.T) {
	const numCores = 2

	arch, err := halsim.NewEventfdMachine(numCores)
	require.NoError(t, err)
	defer func() { require.NoError(t, arch.Close()) }()

	s, err := sched.NewScheduler(
		sched.WithArch(arch),
		sched.WithNumCores(numCores),
	)
	require.NoError(t, err)
	require.NoError(t, s.InitializeScheduler())

	coreDone := make(chan int, numCores)
	for c := 0; c < numCores; c++ {
		core := c
		go arch.RunOnCore(core, func() {
			require.NoError(t, s.RunScheduler(core))
			coreDone <- core
		})
	}

	th, err := s.SpawnThread(nil, func() {
		s.SleepReleasing(sched.Exited, nil, sched.SchedUser, 0)
	})
	require.NoError(t, err)
	s.Wakeup(th)

	seen := make(map[int]bool, numCores)
	for i := 0; i < numCores; i++ {
		seen[<-coreDone] = true
	}
	assert.Len(t, seen, numCores)
	assert.Equal(t, int64(0), s.ActiveThreads())
}
