package metrics

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"

	"github.com/me/trialopt/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeS3 serves objects from memory.
type fakeS3 struct {
	objects  map[string]string
	listErr  error
	getErr   error
	prefixes []string
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.prefixes = append(f.prefixes, aws.ToString(in.Prefix))
	if f.listErr != nil {
		return nil, f.listErr
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

var testStatus = model.RemoteStatus{
	State:          model.RemoteStateSucceeded,
	ElapsedHours:   0.25,
	CompletedTasks: 6,
	CachedTasks:    2,
}

func TestDefaults(t *testing.T) {
	got := Defaults("target_metric", testStatus)
	want := map[string]float64{
		"target_metric":        0,
		"elapsed_hours":        0.25,
		"completed_task_count": 6,
		"cached_task_count":    2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusExtractor(t *testing.T) {
	got := StatusExtractor{Target: KeyElapsedHours}.Extract(context.Background(), &model.Trial{ID: 1}, testStatus)
	if got[KeyElapsedHours] != 0.25 {
		t.Errorf("elapsed target overwritten: %v", got)
	}
	got = StatusExtractor{Target: "score"}.Extract(context.Background(), &model.Trial{ID: 1}, testStatus)
	if v, ok := got["score"]; !ok || v != 0 {
		t.Errorf("score = %v, %v; want defaulted 0", v, ok)
	}
}

func TestFunc(t *testing.T) {
	var e Extractor = Func(func(context.Context, *model.Trial, model.RemoteStatus) map[string]float64 {
		return map[string]float64{"x": 1}
	})
	if got := e.Extract(context.Background(), nil, model.RemoteStatus{}); got["x"] != 1 {
		t.Errorf("Func.Extract = %v", got)
	}
}

func TestS3Extractor_PicksNewestArtifact(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{
		"work/opt/run-1/trial_1/results/final_metrics.json": `{"target_metric": 0.4}`,
		"work/opt/run-1/trial_2/results/final_metrics.json": `{"target_metric": 0.9, "average_throughput": 12.5, "label": "x", "ok": true}`,
		"work/opt/run-1/trial_2/results/other.json":         `{"target_metric": 99}`,
	}}
	e := NewS3Extractor(fake, S3Config{
		Bucket: "bucket",
		Prefix: "work/opt/{{run_id}}/",
		Target: "target_metric",
		RunID:  "run-1",
	}, testLogger())

	got := e.Extract(context.Background(), &model.Trial{ID: 2, ExternalID: "wf-2"}, testStatus)
	want := map[string]float64{
		"target_metric":        0.9,
		"average_throughput":   12.5,
		"ok":                   1,
		"elapsed_hours":        0.25,
		"completed_task_count": 6,
		"cached_task_count":    2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract mismatch (-want +got):\n%s", diff)
	}
	if fake.prefixes[0] != "work/opt/run-1/" {
		t.Errorf("listed prefix = %q", fake.prefixes[0])
	}
}

func TestS3Extractor_PrefixTemplate(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{}}
	e := NewS3Extractor(fake, S3Config{Bucket: "b", Prefix: "out/trial_{{trial_id}}/{{external_id}}/", Target: "t"}, testLogger())
	e.Extract(context.Background(), &model.Trial{ID: 7, ExternalID: "wf-7"}, testStatus)
	if fake.prefixes[0] != "out/trial_7/wf-7/" {
		t.Errorf("prefix = %q, want out/trial_7/wf-7/", fake.prefixes[0])
	}
}

func TestS3Extractor_FallsBackToDefaults(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeS3
	}{
		{"no artifact", &fakeS3{objects: map[string]string{"p/readme.txt": "hi"}}},
		{"list error", &fakeS3{listErr: errors.New("access denied")}},
		{"download error", &fakeS3{
			objects: map[string]string{"p/final_metrics.json": `{}`},
			getErr:  errors.New("throttled"),
		}},
		{"malformed artifact", &fakeS3{objects: map[string]string{"p/final_metrics.json": `not json`}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewS3Extractor(tt.fake, S3Config{Bucket: "b", Prefix: "p/", Target: "target_metric"}, testLogger())
			got := e.Extract(context.Background(), &model.Trial{ID: 7}, testStatus)
			if diff := cmp.Diff(Defaults("target_metric", testStatus), got); diff != "" {
				t.Errorf("expected defaults (-want +got):\n%s", diff)
			}
		})
	}
}

func TestObjective(t *testing.T) {
	inner := Func(func(context.Context, *model.Trial, model.RemoteStatus) map[string]float64 {
		return map[string]float64{"average_throughput": 10, "elapsed_hours": 0.5, "score": 0}
	})
	e, err := NewObjective(inner, "score", "average_throughput / Math.max(elapsed_hours, 0.01)", testLogger())
	if err != nil {
		t.Fatalf("NewObjective: %v", err)
	}
	got := e.Extract(context.Background(), &model.Trial{ID: 1}, testStatus)
	if got["score"] != 20 {
		t.Errorf("score = %v, want 20", got["score"])
	}
}

func TestObjective_MetricsObject(t *testing.T) {
	inner := Func(func(context.Context, *model.Trial, model.RemoteStatus) map[string]float64 {
		return map[string]float64{"a": 2, "b": 3}
	})
	e, err := NewObjective(inner, "score", "metrics.a * metrics.b", testLogger())
	if err != nil {
		t.Fatalf("NewObjective: %v", err)
	}
	if got := e.Extract(context.Background(), &model.Trial{ID: 1}, testStatus); got["score"] != 6 {
		t.Errorf("score = %v, want 6", got["score"])
	}
}

func TestObjective_EvaluationErrorKeepsInner(t *testing.T) {
	inner := Func(func(context.Context, *model.Trial, model.RemoteStatus) map[string]float64 {
		return map[string]float64{"score": 0.3}
	})
	for _, expr := range []string{"missing_metric * 2", "undefined", "1 / 0"} {
		e, err := NewObjective(inner, "score", expr, testLogger())
		if err != nil {
			t.Fatalf("NewObjective(%q): %v", expr, err)
		}
		if got := e.Extract(context.Background(), &model.Trial{ID: 1}, testStatus); got["score"] != 0.3 {
			t.Errorf("%q: score = %v, want 0.3", expr, got["score"])
		}
	}
}

func TestNewObjective(t *testing.T) {
	inner := StatusExtractor{Target: "t"}
	e, err := NewObjective(inner, "t", "", testLogger())
	if err != nil || e != Extractor(inner) {
		t.Errorf("empty expression should return inner unchanged, got %v, %v", e, err)
	}
	if _, err := NewObjective(inner, "t", "1 +* 2", testLogger()); err == nil {
		t.Error("expected compile error")
	}
}
