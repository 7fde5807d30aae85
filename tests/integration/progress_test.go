//go:build integration
// +build integration

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deliveryhero/asya/asya-progress/internal/api"
	"github.com/deliveryhero/asya/asya-progress/internal/jobs"
	"github.com/deliveryhero/asya/asya-progress/internal/observe"
	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

const maxProgress = 20

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()

	store := jobs.NewStore()
	queues := jobs.NewQueues(jobs.EventsPerRun(maxProgress), time.Minute)
	runner := jobs.NewRunner(jobs.RunnerConfig{TickInterval: 2 * time.Millisecond, MaxProgress: maxProgress}, store, queues)
	observer := observe.New(store, queues, observe.Config{
		WaitInterval:     10 * time.Millisecond,
		SnapshotInterval: 5 * time.Millisecond,
	})

	mux := http.NewServeMux()
	api.NewHandler(runner, observer, api.Config{
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}).Register(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := runner.Shutdown(ctx); err != nil {
			t.Errorf("runner shutdown: %v", err)
		}
		queues.Close()
	})
	return server
}

func submit(t *testing.T, server *httptest.Server, path string) string {
	t.Helper()
	resp, err := http.Post(server.URL+path, "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	defer resp.Body.Close()

	var id string
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		t.Fatalf("failed to decode job id: %v", err)
	}
	return id
}

func streamStates(t *testing.T, url string) []types.JobState {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	defer resp.Body.Close()

	var states []types.JobState
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var state types.JobState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			t.Fatalf("bad event %q: %v", data, err)
		}
		states = append(states, state)
	}
	return states
}

// TestProgressTracking_AllPatternsConcurrently follows one job per
// observation pattern at the same time and checks each sees completion
func TestProgressTracking_AllPatternsConcurrently(t *testing.T) {
	server := newGateway(t)

	const perPattern = 20
	var wg sync.WaitGroup
	errs := make(chan error, 4*perPattern)

	for i := 0; i < perPattern; i++ {
		wg.Add(4)

		go func() {
			defer wg.Done()
			resp, err := http.Post(server.URL+"/api/req_resp/process", "application/json", strings.NewReader(`{}`))
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			var state types.JobState
			if err := json.NewDecoder(resp.Body).Decode(&state); err != nil || state.Status != types.JobStatusCompleted {
				errs <- fmt.Errorf("req_resp: status %s err %v", state.Status, err)
			}
		}()

		go func() {
			defer wg.Done()
			id := submit(t, server, "/api/polling/process")
			resp, err := http.Get(server.URL + "/api/polling/result/" + id)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			var state types.JobState
			if err := json.NewDecoder(resp.Body).Decode(&state); err != nil || state.Status != types.JobStatusCompleted {
				errs <- fmt.Errorf("long poll %s: status %s err %v", id, state.Status, err)
			}
		}()

		go func() {
			defer wg.Done()
			id := submit(t, server, "/api/polling/process")
			states := streamStates(t, server.URL+"/api/sse/stream/"+id)
			if len(states) == 0 || states[len(states)-1].Status != types.JobStatusCompleted {
				errs <- fmt.Errorf("sse %s: %d states", id, len(states))
			}
		}()

		go func() {
			defer wg.Done()
			id := submit(t, server, "/api/sse_2/process")
			states := streamStates(t, server.URL+"/api/sse_2/stream/"+id)
			if len(states) != jobs.EventsPerRun(maxProgress) {
				errs <- fmt.Errorf("sse_2 %s: got %d states, want %d", id, len(states), jobs.EventsPerRun(maxProgress))
				return
			}
			for p, state := range states[:maxProgress+1] {
				if state.Progress != p {
					errs <- fmt.Errorf("sse_2 %s: state %d has progress %d", id, p, state.Progress)
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
