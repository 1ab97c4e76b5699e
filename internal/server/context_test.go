package server

import (
	"context"
	"testing"
)

func TestClientIDContext(t *testing.T) {
	ctx := context.Background()
	if got := ClientIDFromContext(ctx); got != "" {
		t.Errorf("empty context client id = %q", got)
	}

	ctx = WithClientID(ctx, "writer-1/abc")
	if got := ClientIDFromContext(ctx); got != "writer-1/abc" {
		t.Errorf("client id = %q", got)
	}
}

func TestWithClientIDEmpty(t *testing.T) {
	ctx := WithClientID(context.Background(), "")
	if got := ClientIDFromContext(ctx); got != "" {
		t.Errorf("client id = %q, want empty", got)
	}
}
