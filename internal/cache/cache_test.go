package cache

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestDisabledCache(t *testing.T) {
	c := New(context.Background(), "", zap.NewNop())

	if c.Enabled() {
		t.Fatalf("cache without redis url must be disabled")
	}
	if got := c.Get(context.Background(), "products"); got != nil {
		t.Fatalf("disabled cache returned %q", got)
	}

	// Запись и инвалидация в отключённом кэше не паникуют.
	c.Set(context.Background(), "products", []byte(`[]`))
	c.InvalidatePrefix(context.Background(), "products")

	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestInvalidURLDisablesCache(t *testing.T) {
	c := New(context.Background(), "not a url", zap.NewNop())

	if c.Enabled() {
		t.Fatalf("cache with invalid url must be disabled")
	}
}

func TestKey(t *testing.T) {
	if got := Key("products"); got != "products" {
		t.Fatalf("Key = %q", got)
	}
	if got := Key("products", "WINDOW_AC", "q=ge"); got != "products:WINDOW_AC:q=ge" {
		t.Fatalf("Key = %q", got)
	}
}
