package toolexec

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockRunner is a testify mock of Runner.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) LookPath(file string) (string, error) {
	args := m.Called(file)
	return args.String(0), args.Error(1)
}

func (m *MockRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	args := m.Called(ctx, cmd)
	var res *Result
	if r := args.Get(0); r != nil {
		res = r.(*Result)
	}
	return res, args.Error(1)
}

// Installed makes LookPath resolve each tool to /usr/bin/<tool> and every other name fail.
func (m *MockRunner) Installed(tools ...string) *MockRunner {
	for _, tool := range tools {
		m.On("LookPath", tool).Return("/usr/bin/"+tool, nil).Maybe()
	}
	m.On("LookPath", mock.Anything).Return("", ErrToolNotFound).Maybe()
	return m
}

// OnTool matches a Run of the tool installed under /usr/bin/<tool>.
func (m *MockRunner) OnTool(tool string) *mock.Call {
	return m.On("Run", mock.Anything, mock.MatchedBy(func(c Command) bool {
		return c.Path == "/usr/bin/"+tool
	}))
}

// Calls returns how many times tool was executed.
func (m *MockRunner) Calls(tool string) int {
	n := 0
	for _, call := range m.Mock.Calls {
		if call.Method != "Run" {
			continue
		}
		if cmd, ok := call.Arguments.Get(1).(Command); ok && cmd.Path == "/usr/bin/"+tool {
			n++
		}
	}
	return n
}

// Ok is a successful Result with the given stdout.
func Ok(stdout string) *Result {
	return &Result{Stdout: []byte(stdout)}
}

// Exit is a failed Result with the given exit code and stderr.
func Exit(code int, stderr string) *Result {
	return &Result{ExitCode: code, Stderr: []byte(stderr)}
}
