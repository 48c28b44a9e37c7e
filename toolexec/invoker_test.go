package toolexec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testInvoker(r Runner) *Invoker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewInvoker(r, logger, WithRetryDelay(time.Millisecond))
}

func TestRunFallsBackWhenFirstToolMissing(t *testing.T) {
	r := new(MockRunner).Installed("pam_web3_tool")
	r.OnTool("pam_web3_tool").Return(Ok("0x00000000000000000000000000000000000000aa\n"), nil).Once()

	addr, err := Run(context.Background(), testInvoker(r),
		Exec("cast", []string{"wallet", "address"}, time.Second, FirstHexToken(40)),
		Exec("pam_web3_tool", []string{"key-to-address"}, time.Second, FirstHexToken(40)),
	)
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", addr)
	assert.Equal(t, 0, r.Calls("cast"))
	r.AssertExpectations(t)
}

func TestRunFallsBackOnFailureAndParseError(t *testing.T) {
	tests := []struct {
		name  string
		first *Result
	}{
		{name: "non-zero exit", first: Exit(2, "boom")},
		{name: "unparseable output", first: Ok("no address here")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := new(MockRunner).Installed("a", "b")
			r.OnTool("a").Return(tt.first, nil).Once()
			r.OnTool("b").Return(Ok("0x00000000000000000000000000000000000000bb"), nil).Once()

			addr, err := Run(context.Background(), testInvoker(r),
				Exec("a", nil, time.Second, FirstHexToken(40)),
				Exec("b", nil, time.Second, FirstHexToken(40)),
			)
			require.NoError(t, err)
			assert.Equal(t, "0x00000000000000000000000000000000000000bb", addr)
			r.AssertExpectations(t)
		})
	}
}

func TestRunAllMissingNamesEveryTool(t *testing.T) {
	r := new(MockRunner).Installed()

	_, err := Run(context.Background(), testInvoker(r),
		Exec("blockhost-deploy-contracts", nil, time.Second, HexLines(40)),
		Exec("/opt/blockhost/scripts/deploy-contracts", nil, time.Second, HexLines(40)),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.Contains(t, err.Error(), "blockhost-deploy-contracts")
	assert.Contains(t, err.Error(), "deploy-contracts")
	r.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestRunReportsLastAttemptedFailure(t *testing.T) {
	r := new(MockRunner).Installed("a")
	r.OnTool("a").Return(Exit(1, "insufficient funds"), nil).Once()

	_, err := Run(context.Background(), testInvoker(r),
		Exec("a", nil, time.Second, Trimmed),
		Exec("b", nil, time.Second, Trimmed),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolFailed)
	assert.NotErrorIs(t, err, ErrToolNotFound)
	assert.Contains(t, err.Error(), "insufficient funds")

	var invErr *InvocationError
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, 1, invErr.ExitCode)
}

func TestRunRetriesTransientFailureExactlyOnce(t *testing.T) {
	t.Run("second attempt succeeds", func(t *testing.T) {
		r := new(MockRunner).Installed("cast")
		r.OnTool("cast").Return(Exit(1, "Error: nonce too low"), nil).Once()
		r.OnTool("cast").Return(Ok("done"), nil).Once()

		out, err := Run(context.Background(), testInvoker(r),
			Exec("cast", nil, time.Second, Trimmed).RetryOn(StderrContains("nonce")),
		)
		require.NoError(t, err)
		assert.Equal(t, "done", out)
		assert.Equal(t, 2, r.Calls("cast"))
	})

	t.Run("persistent transient failure", func(t *testing.T) {
		r := new(MockRunner).Installed("cast")
		r.OnTool("cast").Return(Exit(1, "nonce too low"), nil)

		_, err := Run(context.Background(), testInvoker(r),
			Exec("cast", nil, time.Second, Trimmed).RetryOn(StderrContains("nonce")),
		)
		require.ErrorIs(t, err, ErrToolFailed)
		assert.Equal(t, 2, r.Calls("cast"))
	})

	t.Run("non transient failure is not retried", func(t *testing.T) {
		r := new(MockRunner).Installed("cast")
		r.OnTool("cast").Return(Exit(1, "execution reverted"), nil)

		_, err := Run(context.Background(), testInvoker(r),
			Exec("cast", nil, time.Second, Trimmed).RetryOn(StderrContains("nonce")),
		)
		require.ErrorIs(t, err, ErrToolFailed)
		assert.Equal(t, 1, r.Calls("cast"))
	})
}

func TestRunTimeoutOnLastCandidate(t *testing.T) {
	r := new(MockRunner).Installed("slow")
	r.OnTool("slow").Return(nil, context.DeadlineExceeded)

	_, err := Run(context.Background(), testInvoker(r),
		Exec("slow", nil, 10*time.Millisecond, Trimmed),
	)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRunTimeoutFallsThrough(t *testing.T) {
	r := new(MockRunner).Installed("slow", "fast")
	r.OnTool("slow").Return(nil, context.DeadlineExceeded).Once()
	r.OnTool("fast").Return(Ok("ok"), nil).Once()

	out, err := Run(context.Background(), testInvoker(r),
		Exec("slow", nil, 10*time.Millisecond, Trimmed),
		Exec("fast", nil, time.Second, Trimmed),
	)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestRunPassesEnvironment(t *testing.T) {
	r := new(MockRunner).Installed("bw")
	r.On("Run", mock.Anything, mock.MatchedBy(func(c Command) bool {
		return c.Dir == "/etc/blockhost" &&
			assert.ObjectsAreEqual([]string{"BLOCKHOST_CONFIG_DIR=/etc/blockhost", "RPC_URL=http://rpc"}, c.Env)
	})).Return(Ok(""), nil).Once()

	inv := NewInvoker(r, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithEnv(map[string]string{"RPC_URL": "http://old"}),
		WithDir("/etc/blockhost"))

	_, err := Run(context.Background(), inv,
		Exec("bw", nil, time.Second, Discard).WithEnv(map[string]string{
			"RPC_URL":              "http://rpc",
			"BLOCKHOST_CONFIG_DIR": "/etc/blockhost",
		}),
	)
	require.NoError(t, err)
	r.AssertExpectations(t)
}

func TestRunInProcessCandidate(t *testing.T) {
	r := new(MockRunner).Installed()

	calls := 0
	v, err := Run(context.Background(), testInvoker(r),
		Exec("cast", nil, time.Second, Trimmed),
		InProcess("eth_getCode", time.Second, func(ctx context.Context) (string, error) {
			calls++
			return "0x6080", nil
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, "0x6080", v)
	assert.Equal(t, 1, calls)

	_, err = Run(context.Background(), testInvoker(r),
		InProcess("rpc", time.Second, func(ctx context.Context) (string, error) {
			return "", errors.New("connection refused")
		}),
	)
	require.ErrorIs(t, err, ErrToolFailed)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	inv := NewInvoker(&ExecRunner{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	t.Run("captures stdout and env", func(t *testing.T) {
		out, err := Run(context.Background(), inv,
			Exec("sh", []string{"-c", `echo "$GREETING"`}, 5*time.Second, Trimmed).
				WithEnv(map[string]string{"GREETING": "hello"}),
		)
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
	})

	t.Run("non-zero exit carries stderr", func(t *testing.T) {
		_, err := Run(context.Background(), inv,
			Exec("sh", []string{"-c", "echo broken >&2; exit 3"}, 5*time.Second, Trimmed),
		)
		var invErr *InvocationError
		require.True(t, errors.As(err, &invErr))
		assert.Equal(t, ErrToolFailed, invErr.Kind)
		assert.Equal(t, 3, invErr.ExitCode)
		assert.Contains(t, invErr.Error(), "broken")
	})

	t.Run("missing executable", func(t *testing.T) {
		_, err := Run(context.Background(), inv,
			Exec("/nonexistent/blockhost-tool", nil, time.Second, Trimmed),
		)
		assert.ErrorIs(t, err, ErrToolNotFound)
	})

	t.Run("timeout kills the process", func(t *testing.T) {
		if _, err := exec.LookPath("sleep"); err != nil {
			t.Skip("sleep not available")
		}
		start := time.Now()
		_, err := Run(context.Background(), inv,
			Exec("sleep", []string{"5"}, 100*time.Millisecond, Trimmed),
		)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), 4*time.Second)
	})
}
