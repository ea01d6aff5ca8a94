package config

import (
	"testing"
	"time"
)

func TestReplaceSwapsTunablesThroughAccessors(t *testing.T) {
	cfg := Default()
	if cfg.RateLimitRPM() != 120 {
		t.Fatalf("default rate limit = %d", cfg.RateLimitRPM())
	}

	next := Default()
	next.Gateway.RateLimitRPM = 30
	next.Gateway.ClientGraceSec = 5
	next.Turns.MaxIterations = 4
	next.Turns.Temperature = 0.7
	next.Sessions.TokenBudget = 8000
	next.Inbox.RetentionHrs = 2
	cfg.Replace(next)

	if got := cfg.RateLimitRPM(); got != 30 {
		t.Fatalf("rate limit after replace = %d", got)
	}
	if got := cfg.ClientGrace(); got != 5*time.Second {
		t.Fatalf("client grace after replace = %s", got)
	}
	turns := cfg.TurnsSnapshot()
	if turns.MaxIterations != 4 || turns.Temperature != 0.7 {
		t.Fatalf("turns after replace = %+v", turns)
	}
	if got := cfg.SessionTokenBudget(); got != 8000 {
		t.Fatalf("token budget after replace = %d", got)
	}
	if got := cfg.InboxRetention(); got != 2*time.Hour {
		t.Fatalf("inbox retention after replace = %s", got)
	}
}

func TestReplaceKeepsListenerSettings(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 9000
	cfg.Gateway.Token = "secret"

	next := Default()
	next.Gateway.Host = "0.0.0.0"
	next.Gateway.Port = 17320
	cfg.Replace(next)

	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 9000 || cfg.Gateway.Token != "secret" {
		t.Fatalf("listener settings swapped: %+v", cfg.Gateway)
	}
}

func TestAccessorsSafeUnderReplace(t *testing.T) {
	cfg := Default()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			next := Default()
			next.Gateway.RateLimitRPM = i
			cfg.Replace(next)
		}
	}()
	for i := 0; i < 200; i++ {
		_ = cfg.RateLimitRPM()
		_ = cfg.TurnsSnapshot()
		_ = cfg.SessionTokenBudget()
	}
	<-done
}
