package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Konstantsiy/byzantine-ledger/command"
	state_machine "github.com/Konstantsiy/byzantine-ledger/state-machine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testSystem struct {
	t *testing.T
	*System
}

func newTestSystem(t *testing.T, modify func(c *Config)) *testSystem {
	t.Helper()

	var cfg = DefaultConfig()
	cfg.Timeouts.Round = 5 * time.Second
	cfg.Timeouts.Shutdown = 5 * time.Second
	if modify != nil {
		modify(cfg)
	}

	system, err := NewSystem(cfg, testLogger())
	require.NoError(t, err)

	system.Start(context.Background())

	var s = &testSystem{t: t, System: system}
	t.Cleanup(func() { _ = system.Shutdown(context.Background()) })
	return s
}

func (s *testSystem) execute(client command.PeerID, action command.Action) Feedback {
	s.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fb, err := s.Execute(ctx, client, action)
	require.NoError(s.t, err)
	return fb
}

// waitForCondition polls the replicas until condition holds for every one of them
func (s *testSystem) waitForCondition(timeout time.Duration, condition func(st Status) bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.allReplicas(condition) {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition not met within timeout")
}

func (s *testSystem) allReplicas(condition func(st Status) bool) bool {
	for _, id := range s.Config().ReplicaIDs() {
		st, err := s.ReplicaStatus(context.Background(), id)
		if err != nil || !condition(st) {
			return false
		}
	}
	return true
}

func TestSystem_RegisterDepositGet(t *testing.T) {
	var s = newTestSystem(t, nil)

	var fb = s.execute(0, command.Register())
	require.Equal(t, command.Success(), fb.Result)
	require.Equal(t, command.PhaseACK, fb.Phase)

	// deposit conflicts with the speculated registration
	fb = s.execute(0, command.Deposit(10))
	require.Equal(t, command.SuccessWith(10), fb.Result)
	require.Equal(t, command.PhaseCHK, fb.Phase)

	fb = s.execute(0, command.Get())
	require.Equal(t, command.SuccessWith(10), fb.Result)

	require.NoError(t, s.waitForCondition(2*time.Second, func(st Status) bool {
		return st.Balances[0] == 10 && st.Round == 2
	}))
	require.NoError(t, s.Err())
}

func TestSystem_IndependentDepositsTakeFastPath(t *testing.T) {
	var s = newTestSystem(t, nil)

	s.execute(0, command.Register())
	s.execute(1, command.Register())
	s.execute(0, command.Get())
	s.execute(1, command.Get())

	require.NoError(t, s.waitForCondition(2*time.Second, func(st Status) bool {
		return st.Delivered >= 3 && st.Received == 4
	}))

	var before, err = s.ReplicaStatus(context.Background(), s.Config().ReplicaIDs()[0])
	require.NoError(t, err)

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := s.Submit(ctx, command.New(0, command.Deposit(1)))
	require.NoError(t, err)
	second, err := s.Submit(ctx, command.New(1, command.Deposit(2)))
	require.NoError(t, err)

	var a, b = <-first, <-second
	require.Equal(t, command.PhaseACK, a.Phase)
	require.Equal(t, command.PhaseACK, b.Phase)
	require.Equal(t, command.SuccessWith(1), a.Result)
	require.Equal(t, command.SuccessWith(2), b.Result)

	require.NoError(t, s.waitForCondition(2*time.Second, func(st Status) bool {
		return st.Balances[0] == 1 && st.Balances[1] == 2
	}))

	// no coordinator round was needed
	after, err := s.ReplicaStatus(context.Background(), s.Config().ReplicaIDs()[0])
	require.NoError(t, err)
	require.Equal(t, before.Round, after.Round)
	require.Equal(t, 3, after.Pending)
}

func TestSystem_ConflictResolvedInCanonicalOrder(t *testing.T) {
	var s = newTestSystem(t, nil)

	s.execute(0, command.Register())

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	depositCh, err := s.Submit(ctx, command.New(0, command.Deposit(10)))
	require.NoError(t, err)
	withdrawCh, err := s.Submit(ctx, command.New(0, command.Withdraw(15)))
	require.NoError(t, err)

	var deposit, withdraw Feedback
	for i := 0; i < 2; i++ {
		select {
		case deposit = <-depositCh:
		case withdraw = <-withdrawCh:
		case <-ctx.Done():
			t.Fatal("commands were not completed")
		}
	}

	require.Equal(t, command.SuccessWith(10), deposit.Result)
	require.Equal(t, command.PhaseCHK, deposit.Phase)
	require.False(t, withdraw.Result.OK)
	require.Contains(t, withdraw.Result.Reason, state_machine.ErrInsufficientBalance.Error())

	// every honest replica ends with the same ledger
	require.NoError(t, s.waitForCondition(2*time.Second, func(st Status) bool {
		return st.Delivered == 3 && st.Balances[0] == 10
	}))
	require.NoError(t, s.Err())

	// speculative views differ, the executions that stand replay in the same order everywhere
	var expected []uuid.UUID
	for _, id := range s.Config().ReplicaIDs() {
		st, err := s.ReplicaStatus(context.Background(), id)
		require.NoError(t, err)

		var executed = executedIDs(st.Transactions)
		require.Len(t, executed, 3)

		if expected == nil {
			expected = executed
			continue
		}
		require.Equal(t, expected, executed, "replica %d", id)
	}
}

func executedIDs(entries []state_machine.Transaction) []uuid.UUID {
	var res []uuid.UUID
	for _, entry := range entries {
		if entry.Status == state_machine.StatusExecuted {
			res = append(res, entry.ID)
		}
	}
	return res
}

func TestSystem_ToleratesSilentPeers(t *testing.T) {
	var s = newTestSystem(t, func(c *Config) {
		c.Cluster.Clients, c.Cluster.FaultyClients = 3, 1
		c.Cluster.Replicas, c.Cluster.FaultyReplicas = 11, 2
		c.Network.TransmissionDelayMs = 2
		c.Network.Seed = 3
	})

	require.Equal(t, 7, s.Config().NAck())

	s.execute(0, command.Register())
	s.execute(1, command.Register())

	var fb = s.execute(0, command.Deposit(50))
	require.Equal(t, command.SuccessWith(50), fb.Result)

	fb = s.execute(0, command.Withdraw(20))
	require.Equal(t, command.SuccessWith(30), fb.Result)

	fb = s.execute(1, command.Withdraw(1))
	require.False(t, fb.Result.OK)

	require.NoError(t, s.waitForCondition(3*time.Second, func(st Status) bool {
		return st.Balances[0] == 30 && st.Balances[1] == 0
	}))

	// faulty peers are not reachable through the system
	_, err := s.Execute(context.Background(), 2, command.Register())
	require.ErrorIs(t, err, ErrUnknownPeer)

	_, err = s.ReplicaStatus(context.Background(), s.Config().FaultyReplicaIDs()[0])
	require.ErrorIs(t, err, ErrUnknownPeer)

	require.NoError(t, s.Testing(context.Background()))
	require.NoError(t, s.Err())
}

func TestSystem_DuplicateSubmission(t *testing.T) {
	var s = newTestSystem(t, nil)

	var cmd = command.New(0, command.Register())
	ch, err := s.Submit(context.Background(), cmd)
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), cmd)
	require.ErrorIs(t, err, ErrDuplicateRequest)

	require.Equal(t, command.Success(), (<-ch).Result)
}

func TestSystem_ShutdownFlushesLogs(t *testing.T) {
	var dir = t.TempDir()

	var cfg = DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Storage.Archive = true

	system, err := NewSystem(cfg, testLogger())
	require.NoError(t, err)
	system.Start(context.Background())

	var s = &testSystem{t: t, System: system}
	s.execute(0, command.Register())
	s.execute(0, command.Deposit(7))
	require.NoError(t, s.waitForCondition(2*time.Second, func(st Status) bool { return st.Balances[0] == 7 }))

	require.NoError(t, system.Shutdown(context.Background()))

	for _, id := range cfg.ReplicaIDs() {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("replica-%d.log", id)))
		require.NoError(t, err)
		require.Contains(t, string(data), "Client #0: 7")

		snapshot, err := state_machine.ReadArchive(filepath.Join(dir, fmt.Sprintf("replica-%d.db", id)))
		require.NoError(t, err)
		require.Equal(t, uint64(7), snapshot.Balances[0])
	}

	// a stopped system rejects new work
	_, err = system.Execute(context.Background(), 0, command.Get())
	require.ErrorIs(t, err, ErrPeerStopped)
}

func TestNewSystem_InvalidConfig(t *testing.T) {
	var cfg = DefaultConfig()
	cfg.Cluster.FaultyReplicas = 2

	_, err := NewSystem(cfg, testLogger())
	require.Error(t, err)
}
