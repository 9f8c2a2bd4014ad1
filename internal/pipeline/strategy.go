package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/store"
)

// Strategy is the framework-specific part of the pipeline. The shared steps
// run identically for every flavor; ExtraConfig hooks in after the common
// configuration rewrite.
type Strategy interface {
	Name() string
	ExtraConfig(ctx context.Context, job *store.Job, sourceDir string) error
}

// ForFramework resolves the strategy for a framework flavor.
func ForFramework(framework string) (Strategy, error) {
	switch framework {
	case store.FrameworkNormal:
		return normalStrategy{}, nil
	case store.FrameworkNormal45:
		return normal45Strategy{httpc: &http.Client{Timeout: 2 * time.Minute}}, nil
	default:
		return nil, fmt.Errorf("unknown framework %q", framework)
	}
}

// normalStrategy builds plain projects; the shared steps are all it needs.
type normalStrategy struct{}

func (normalStrategy) Name() string { return store.FrameworkNormal }

func (normalStrategy) ExtraConfig(context.Context, *store.Job, string) error { return nil }

// normal45Strategy additionally provisions the 4.5 framework's asset bundle:
// the request may point at a zip whose entries overwrite
// core_main/src/main/assets/config in the source tree.
type normal45Strategy struct {
	httpc *http.Client
}

func (normal45Strategy) Name() string { return store.FrameworkNormal45 }

func (s normal45Strategy) ExtraConfig(ctx context.Context, job *store.Job, sourceDir string) error {
	base := job.Params.Configs.BaseConfig
	if base == nil || base.AssetsConfig == "" {
		return nil
	}

	slog.Info("downloading assets config", logfields.BuildID(job.BuildID), logfields.URL(base.AssetsConfig))

	zipPath := filepath.Join(sourceDir, ".config.zip")
	if err := downloadFile(ctx, s.httpc, base.AssetsConfig, zipPath); err != nil {
		return err
	}

	dest := filepath.Join(sourceDir, "core_main", "src", "main", "assets", "config")
	return extractZip(zipPath, dest)
}
