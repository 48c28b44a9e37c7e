package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deploySpec = Spec{
	Kind:    "deploy",
	Slots:   []string{"nft_contract", "subscription_contract"},
	Message: "Deploying contracts",
}

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitTerminal(t *testing.T, r *Registry, id string) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		snap, err := r.Poll(id)
		if err != nil {
			return false
		}
		job = snap
		return job.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestSubmitReturnsImmediatelyAndCompletes(t *testing.T) {
	r := newTestRegistry()
	release := make(chan struct{})

	start := time.Now()
	id, err := r.Submit(deploySpec, func(ctx context.Context, progress func(string)) (*Outcome, error) {
		<-release
		return &Outcome{
			Message: "Contracts deployed",
			Fields: map[string]string{
				"nft_contract":          "0x1111111111111111111111111111111111111111",
				"subscription_contract": "0x2222222222222222222222222222222222222222",
				"unexpected":            "ignored",
			},
		}, nil
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, strings.HasPrefix(id, "deploy-"))

	job, err := r.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, "Deploying contracts", job.Message)
	assert.Nil(t, job.Result["nft_contract"])

	close(release)
	job = waitTerminal(t, r, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, "Contracts deployed", job.Message)
	require.NotNil(t, job.Result["nft_contract"])
	assert.Equal(t, "0x1111111111111111111111111111111111111111", *job.Result["nft_contract"])
	require.NotNil(t, job.Result["subscription_contract"])
	assert.NotContains(t, job.Result, "unexpected")
	assert.NotNil(t, job.FinishedAt)

	// Terminal states never revert.
	for i := 0; i < 3; i++ {
		again, err := r.Poll(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, again.Status)
	}
}

func TestPartialResultLeavesSlotNil(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Submit(deploySpec, func(ctx context.Context, progress func(string)) (*Outcome, error) {
		return &Outcome{
			Message: "NFT contract deployed; subscription contract was not produced",
			Fields:  map[string]string{"nft_contract": "0x1111111111111111111111111111111111111111"},
		}, nil
	})
	require.NoError(t, err)

	job := waitTerminal(t, r, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.NotNil(t, job.Result["nft_contract"])
	assert.Nil(t, job.Result["subscription_contract"])
	assert.Contains(t, job.Message, "not produced")
}

func TestFailedAndPanickingWork(t *testing.T) {
	tests := []struct {
		name    string
		work    Work
		message string
	}{
		{
			name: "error",
			work: func(ctx context.Context, progress func(string)) (*Outcome, error) {
				progress("Running blockhost-deploy-contracts")
				return nil, errors.New("required tool not found: blockhost-deploy-contracts")
			},
			message: "required tool not found: blockhost-deploy-contracts",
		},
		{
			name: "panic",
			work: func(ctx context.Context, progress func(string)) (*Outcome, error) {
				var m map[string]string
				m["x"] = "y"
				return nil, nil
			},
			message: "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			id, err := r.Submit(deploySpec, tt.work)
			require.NoError(t, err)

			job := waitTerminal(t, r, id)
			assert.Equal(t, StatusFailed, job.Status)
			assert.Contains(t, job.Message, tt.message)
			assert.Nil(t, job.Result["nft_contract"])
		})
	}
}

func TestProgressOverwritesMessage(t *testing.T) {
	r := newTestRegistry()
	step := make(chan struct{})
	done := make(chan struct{})

	id, err := r.Submit(deploySpec, func(ctx context.Context, progress func(string)) (*Outcome, error) {
		progress("Deploying AccessCredentialNFT")
		step <- struct{}{}
		progress("Deploying BlockhostSubscriptions")
		step <- struct{}{}
		<-done
		return &Outcome{}, nil
	})
	require.NoError(t, err)

	<-step
	job, _ := r.Poll(id)
	assert.Equal(t, "Deploying AccessCredentialNFT", job.Message)
	<-step
	job, _ = r.Poll(id)
	assert.Equal(t, "Deploying BlockhostSubscriptions", job.Message)
	close(done)

	job = waitTerminal(t, r, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, "Deploying BlockhostSubscriptions", job.Message, "empty outcome message keeps the last progress")
}

func TestPollUnknownID(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Submit(deploySpec, func(ctx context.Context, progress func(string)) (*Outcome, error) {
		return &Outcome{}, nil
	})
	require.NoError(t, err)

	_, err = r.Poll("deploy-00000000")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = r.Poll("")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestConcurrentSubmitAndPoll(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	ids := make(chan string, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.Submit(deploySpec, func(ctx context.Context, progress func(string)) (*Outcome, error) {
				for j := 0; j < 10; j++ {
					progress("working")
				}
				return &Outcome{Fields: map[string]string{"nft_contract": "0xaa"}}, nil
			})
			assert.NoError(t, err)
			ids <- id
			_, err = r.Poll(id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(ids)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		job, err := r.Poll(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, job.Status)
	}
	assert.Len(t, r.List(), 50)
}

func TestSnapshotIsIsolated(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Submit(deploySpec, func(ctx context.Context, progress func(string)) (*Outcome, error) {
		return &Outcome{Fields: map[string]string{"nft_contract": "0xaa"}}, nil
	})
	require.NoError(t, err)
	job := waitTerminal(t, r, id)

	*job.Result["nft_contract"] = "mutated"
	again, err := r.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, "0xaa", *again.Result["nft_contract"])
}
