package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestRegistry(t *testing.T) {
	echo := ExecutorFunc(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return job.Payload, nil
	})

	t.Run("register and execute", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(TypeTool, echo); err != nil {
			t.Fatalf("register failed: %v", err)
		}

		job := &Job{Type: TypeTool, Payload: json.RawMessage(`{"x":1}`)}
		out, err := r.Execute(context.Background(), job)
		if err != nil {
			t.Fatalf("execute failed: %v", err)
		}
		if string(out) != `{"x":1}` {
			t.Errorf("output = %s, want payload echoed", out)
		}
	})

	t.Run("duplicate registration rejected", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(TypeTool, echo); err != nil {
			t.Fatalf("register failed: %v", err)
		}
		if err := r.Register(TypeTool, echo); !errors.Is(err, ErrExecutorExists) {
			t.Errorf("expected ErrExecutorExists, got %v", err)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		r := NewRegistry()
		if _, err := r.Get(TypePrompt); !errors.Is(err, ErrExecutorNotFound) {
			t.Errorf("expected ErrExecutorNotFound, got %v", err)
		}
		job := &Job{Type: TypePrompt}
		if _, err := r.Execute(context.Background(), job); !errors.Is(err, ErrExecutorNotFound) {
			t.Errorf("expected ErrExecutorNotFound, got %v", err)
		}
	})

	t.Run("types lists registered executors", func(t *testing.T) {
		r := NewRegistry()
		r.MustRegister(TypeTool, echo)
		r.MustRegister(TypePrompt, echo)

		types := r.Types()
		if len(types) != 2 {
			t.Fatalf("expected 2 types, got %d", len(types))
		}
	})
}
