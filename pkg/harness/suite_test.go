package harness

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtlab/vmharness/pkg/sshexec"
)

type fakeRunner struct {
	commands   []string
	status     int
	runErr     error
	waitErr    error
	waitCalled bool
}

func (r *fakeRunner) Run(command string) (sshexec.Result, error) {
	r.commands = append(r.commands, command)
	if r.runErr != nil {
		return sshexec.Result{}, r.runErr
	}
	return sshexec.Result{Status: r.status}, nil
}

func (r *fakeRunner) RunExpectingDisconnect(command string) error {
	r.commands = append(r.commands, command)
	return nil
}

func (r *fakeRunner) WaitReachable(time.Duration) error {
	r.waitCalled = true
	return r.waitErr
}

type fakeSnap struct {
	reverted  bool
	revertErr error
}

func (s *fakeSnap) Revert() error {
	s.reverted = true
	return s.revertErr
}

type fakeMachine struct {
	name        string
	runner      *fakeRunner
	snap        *fakeSnap
	calls       []string
	snapErr     error
	startErr    error
	undefineErr error
}

func (m *fakeMachine) Name() string { return m.name }

func (m *fakeMachine) Start() error {
	m.calls = append(m.calls, "start")
	return m.startErr
}

func (m *fakeMachine) Snapshot() (Restorer, error) {
	m.calls = append(m.calls, "snapshot")
	if m.snapErr != nil {
		return nil, m.snapErr
	}
	return m.snap, nil
}

func (m *fakeMachine) Undefine() error {
	m.calls = append(m.calls, "undefine")
	return m.undefineErr
}

func (m *fakeMachine) Shell(time.Duration) (sshexec.Runner, error) {
	return m.runner, nil
}

func newTestSuite(guests ...*guest) *Suite {
	return &Suite{
		cfg:       Config{BootTimeout: time.Second, SSHTimeout: time.Second},
		guests:    guests,
		setupDone: map[string]bool{},
	}
}

func TestProvisionBootsAndWaitsForAllGuests(t *testing.T) {
	a := &fakeMachine{name: "a", runner: &fakeRunner{}}
	b := &fakeMachine{name: "b", runner: &fakeRunner{}}
	s := newTestSuite(
		&guest{name: "a", machine: a},
		&guest{name: "b", machine: b},
	)

	require.NoError(t, s.Provision())

	for _, m := range []*fakeMachine{a, b} {
		assert.Contains(t, m.calls, "start")
		assert.True(t, m.runner.waitCalled)
	}

	shell, err := s.Shell("b")
	require.NoError(t, err)
	assert.Same(t, b.runner, shell)
}

func TestProvisionPropagatesUnreachableGuest(t *testing.T) {
	a := &fakeMachine{name: "a", runner: &fakeRunner{}}
	b := &fakeMachine{name: "b", runner: &fakeRunner{waitErr: sshexec.ErrTimeout}}
	s := newTestSuite(
		&guest{name: "a", machine: a},
		&guest{name: "b", machine: b},
	)

	err := s.Provision()
	require.Error(t, err)
	assert.ErrorIs(t, err, sshexec.ErrTimeout)
	assert.Contains(t, err.Error(), "b")
}

func TestBeginTestSnapshotsBeforeStarting(t *testing.T) {
	m := &fakeMachine{name: "a", snap: &fakeSnap{}}
	s := newTestSuite(&guest{name: "a", machine: m})

	require.NoError(t, s.BeginTest())
	assert.Equal(t, []string{"snapshot", "start"}, m.calls)
	assert.NotNil(t, s.guests[0].snap)
}

func TestBeginTestAbortsOnSnapshotFailure(t *testing.T) {
	boom := errors.New("snapshot refused")
	a := &fakeMachine{name: "a", snapErr: boom}
	b := &fakeMachine{name: "b", snap: &fakeSnap{}}
	s := newTestSuite(
		&guest{name: "a", machine: a},
		&guest{name: "b", machine: b},
	)

	err := s.BeginTest()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, b.calls, "later guests must not be touched after a failure")
}

func TestEndTestRevertsEveryGuest(t *testing.T) {
	failing := &fakeSnap{revertErr: errors.New("revert failed")}
	healthy := &fakeSnap{}
	s := newTestSuite(
		&guest{name: "a", snap: failing},
		&guest{name: "b", snap: healthy},
	)

	err := s.EndTest()
	require.Error(t, err)
	assert.True(t, failing.reverted)
	assert.True(t, healthy.reverted, "a failing revert must not skip the rest")
	assert.Nil(t, s.guests[0].snap)
	assert.Nil(t, s.guests[1].snap)
}

func TestEndTestWithoutBeginIsNoOp(t *testing.T) {
	s := newTestSuite(&guest{name: "a"})
	assert.NoError(t, s.EndTest())
}

func TestShellLookup(t *testing.T) {
	s := newTestSuite(&guest{name: "a"})

	_, err := s.Shell("nope")
	assert.ErrorIs(t, err, ErrUnknownVM)

	_, err = s.Shell("a")
	assert.ErrorIs(t, err, ErrNotProvisioned)
}

func TestVerifyReachabilityPingsEveryPair(t *testing.T) {
	ra := &fakeRunner{}
	rb := &fakeRunner{}
	s := newTestSuite(
		&guest{name: "a", shell: ra, privateIP: "10.11.12.10"},
		&guest{name: "b", shell: rb, privateIP: "10.11.12.11"},
		&guest{name: "c", shell: &fakeRunner{}}, // not on the segment
	)

	require.NoError(t, s.VerifyReachability())
	assert.Equal(t, []string{"ping -c 1 -W 2 10.11.12.11"}, ra.commands)
	assert.Equal(t, []string{"ping -c 1 -W 2 10.11.12.10"}, rb.commands)
}

func TestVerifyReachabilityReportsLostPeer(t *testing.T) {
	ra := &fakeRunner{status: 1}
	s := newTestSuite(
		&guest{name: "a", shell: ra, privateIP: "10.11.12.10"},
		&guest{name: "b", shell: &fakeRunner{}, privateIP: "10.11.12.11"},
	)

	err := s.VerifyReachability()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Contains(t, err.Error(), "10.11.12.11")
}

func TestOneTimeSetupRunsOnce(t *testing.T) {
	s := newTestSuite()

	runs := 0
	fn := func() error { runs++; return nil }

	require.NoError(t, s.OneTimeSetup("engine-setup", fn))
	require.NoError(t, s.OneTimeSetup("engine-setup", fn))
	assert.Equal(t, 1, runs)
}

func TestOneTimeSetupRetriesAfterFailure(t *testing.T) {
	s := newTestSuite()

	runs := 0
	fn := func() error {
		runs++
		if runs == 1 {
			return errors.New("transient")
		}
		return nil
	}

	require.Error(t, s.OneTimeSetup("engine-setup", fn))
	require.NoError(t, s.OneTimeSetup("engine-setup", fn))
	assert.Equal(t, 2, runs)
}

func TestCloudConfigAssembly(t *testing.T) {
	cfg := cloudConfigFor(VMSpec{
		Name:              "node-0",
		PrivateIP:         "10.11.12.10",
		Password:          "77",
		FirstBootCommands: []string{"systemctl enable --now sshd"},
	}, "ssh-ed25519 AAAA node-0")

	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"ssh-ed25519 AAAA node-0"}, cfg.AuthorizedKeys)
	assert.Equal(t, "77", cfg.Password)

	// Addressing must come first, caller commands after.
	require.Len(t, cfg.RunCommands, 2)
	assert.Contains(t, cfg.RunCommands[0], "10.11.12.10/24")
	assert.Equal(t, "systemctl enable --now sshd", cfg.RunCommands[1])

	out, err := cfg.UserData()
	require.NoError(t, err)
	assert.Contains(t, out, "10.11.12.10/24")
	assert.Contains(t, out, "systemctl enable --now sshd")
}

func TestCloudConfigAssemblyWithoutPrivateSegment(t *testing.T) {
	cfg := cloudConfigFor(VMSpec{Name: "solo"}, "ssh-ed25519 AAAA solo")

	require.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.RunCommands, "no addressing commands without a private IP")
}

func TestTeardownUndefinesEveryGuest(t *testing.T) {
	a := &fakeMachine{name: "a", undefineErr: errors.New("busy")}
	b := &fakeMachine{name: "b"}
	s := newTestSuite(
		&guest{name: "a", machine: a},
		&guest{name: "b", machine: b},
	)

	err := s.Teardown()
	require.Error(t, err)
	assert.Contains(t, a.calls, "undefine")
	assert.Contains(t, b.calls, "undefine", "a failing teardown must not skip the rest")
}
