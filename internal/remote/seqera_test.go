package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/me/trialopt/internal/seqera"
	"github.com/me/trialopt/pkg/model"
)

// mockAPI implements seqera.API for testing.
type mockAPI struct {
	launches  []seqera.Launch
	launchErr error
	workflow  *seqera.Workflow
	descErr   error
}

func (m *mockAPI) Launch(_ context.Context, l seqera.Launch) (string, error) {
	m.launches = append(m.launches, l)
	if m.launchErr != nil {
		return "", m.launchErr
	}
	return "wf-1", nil
}

func (m *mockAPI) Describe(_ context.Context, id string) (*seqera.Workflow, error) {
	if m.descErr != nil {
		return nil, m.descErr
	}
	return m.workflow, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSeqeraPlatform_Submit(t *testing.T) {
	api := &mockAPI{}
	p := NewSeqeraPlatform(api, SeqeraOptions{
		Pipeline:       "https://github.com/example/hello",
		Revision:       "main",
		ConfigProfiles: []string{"docker"},
		RunNamePrefix:  "hello-opt",
	}, testLogger())

	handle, err := p.Submit(context.Background(), 3, map[string]any{"mode": "fast", "batch_size": 4})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle != "wf-1" {
		t.Errorf("handle = %q, want wf-1", handle)
	}
	if len(api.launches) != 1 {
		t.Fatalf("launches = %d, want 1", len(api.launches))
	}
	l := api.launches[0]
	if l.RunName != "hello-opt-trial-3" {
		t.Errorf("RunName = %q", l.RunName)
	}
	if want := "batch_size: 4\nmode: fast\n"; l.ParamsText != want {
		t.Errorf("ParamsText = %q, want %q", l.ParamsText, want)
	}
	if l.Revision != "main" || l.Pipeline != "https://github.com/example/hello" {
		t.Errorf("launch template not applied: %+v", l)
	}
}

func TestSeqeraPlatform_SubmitRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"throttled", &seqera.HTTPError{StatusCode: 429}, true},
		{"unavailable", &seqera.HTTPError{StatusCode: 503}, true},
		{"bad request", &seqera.HTTPError{StatusCode: 400}, false},
		{"transport", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewSeqeraPlatform(&mockAPI{launchErr: tt.err}, SeqeraOptions{}, testLogger())
			_, err := p.Submit(context.Background(), 1, nil)
			var subErr *model.SubmissionError
			if !errors.As(err, &subErr) {
				t.Fatalf("expected *SubmissionError, got %T", err)
			}
			if subErr.TrialID != 1 {
				t.Errorf("TrialID = %d, want 1", subErr.TrialID)
			}
			if IsRetryableSubmit(err) != tt.retryable {
				t.Errorf("IsRetryableSubmit = %v, want %v", IsRetryableSubmit(err), tt.retryable)
			}
		})
	}
}

func TestSeqeraPlatform_Status(t *testing.T) {
	api := &mockAPI{workflow: &seqera.Workflow{
		Status:   seqera.StatusSucceeded,
		Duration: 1800000,
		Progress: seqera.Progress{Succeeded: 5, Cached: 1, Cost: 0.75},
	}}
	p := NewSeqeraPlatform(api, SeqeraOptions{}, testLogger())

	st, err := p.Status(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := model.RemoteStatus{
		State:          model.RemoteStateSucceeded,
		ElapsedHours:   0.5,
		Cost:           0.75,
		CompletedTasks: 5,
		CachedTasks:    1,
	}
	if st != want {
		t.Errorf("Status = %+v, want %+v", st, want)
	}
}

func TestSeqeraPlatform_StatusError(t *testing.T) {
	p := NewSeqeraPlatform(&mockAPI{descErr: errors.New("timeout")}, SeqeraOptions{}, testLogger())
	if _, err := p.Status(context.Background(), "wf-1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestMapSeqeraState(t *testing.T) {
	tests := []struct {
		in   string
		want model.RemoteState
	}{
		{"SUBMITTED", model.RemoteStateQueued},
		{"RUNNING", model.RemoteStateRunning},
		{"SUCCEEDED", model.RemoteStateSucceeded},
		{"FAILED", model.RemoteStateFailed},
		{"CANCELLED", model.RemoteStateFailed},
		{"UNKNOWN", model.RemoteStateFailed},
		{"", model.RemoteStateQueued},
	}
	for _, tt := range tests {
		if got := mapSeqeraState(tt.in); got != tt.want {
			t.Errorf("mapSeqeraState(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
