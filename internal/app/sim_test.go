package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/meshloan/flashmesh/internal/config"
)

func simConfig() *config.Config {
	cfg := config.Defaults()
	cfg.DomainID = "alpha"
	cfg.Mode = "sim"
	cfg.Bridge.FlatFee = "5"
	cfg.Sim.PeerDomainID = "beta"
	cfg.Sim.LoanAmount = "1000"
	cfg.Sim.Rounds = 2
	cfg.Sim.Interval = config.SimConfig{}.Interval // no pause between rounds
	return &cfg
}

func TestSimModeRunsRoundTrips(t *testing.T) {
	cfg := simConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSimModeRejectsBadLoanAmount(t *testing.T) {
	cfg := simConfig()
	cfg.Sim.LoanAmount = "not-a-number"

	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("Run: expected error for malformed loan amount")
	}
}
