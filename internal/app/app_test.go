package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"fleetbot/internal/config"
	"fleetbot/pkg/logx"
)

func TestBuildClosesStoreOnError(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Sheets.Driver = "sqlite"
	cfg.Sheets.Path = filepath.Join(t.TempDir(), "store.db")
	cfg.Gateway.BackoffBase = "soon" // not a duration

	a := &App{log: logx.Nop()}
	err := a.build(cfg)
	if err == nil {
		t.Fatal("build: want error for invalid gateway.backoff_base")
	}
	if !strings.Contains(err.Error(), "gateway.backoff_base") {
		t.Fatalf("build error %q does not name the bad field", err)
	}
	if a.store == nil {
		t.Fatal("store was never opened")
	}
	if _, _, err := a.store.GetDedup(context.Background(), "k"); err == nil {
		t.Fatal("store still usable after failed build; expected it closed")
	}
}
