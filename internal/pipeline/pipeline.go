// Package pipeline runs the ordered build steps for one job: fetch the
// source, rewrite its configuration, run the gradle build and upload the
// artifact. The framework flavor of the request decides the strategy
// variant; everything the variants share lives here.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"git.home.luguber.info/inful/apkbuilder/internal/androidcfg"
	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/gitsrc"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/shell"
	"git.home.luguber.info/inful/apkbuilder/internal/store"
	"git.home.luguber.info/inful/apkbuilder/internal/weed"
)

// Deps are the collaborators a pipeline run needs.
type Deps struct {
	Cfg      *config.Settings
	Fetcher  *gitsrc.Fetcher
	Uploader *weed.Client
}

// Run executes the four build steps in order against job. The first step
// error aborts the run and becomes the job's failure message.
func Run(ctx context.Context, deps Deps, job *store.Job) error {
	strategy, err := ForFramework(job.Params.Configs.Framework)
	if err != nil {
		return err
	}
	sourceDir := deps.Cfg.SourcePath(job.BuildID)

	slog.Info("pipeline start", logfields.BuildID(job.BuildID), slog.String("framework", strategy.Name()))

	if err := fetchSource(deps, job, sourceDir); err != nil {
		return err
	}
	if err := changeConfig(ctx, strategy, job, sourceDir); err != nil {
		return err
	}
	if err := releaseBuild(deps, job, sourceDir); err != nil {
		return err
	}
	return uploadArtifact(deps, job, sourceDir)
}

func fetchSource(deps Deps, job *store.Job, sourceDir string) error {
	slog.Info("step fetch_source", logfields.BuildID(job.BuildID), logfields.Stage("fetch_source"))

	v := job.Params.Version
	scm := v.Scm
	if scm == "" {
		scm = gitsrc.ScmGit
	}
	return deps.Fetcher.Fetch(scm, v.SourceURL, v.Branch, v.Revision, sourceDir)
}

func changeConfig(ctx context.Context, strategy Strategy, job *store.Job, sourceDir string) error {
	slog.Info("step change_config", logfields.BuildID(job.BuildID), logfields.Stage("change_config"))

	head, err := gitsrc.HeadHash(sourceDir)
	if err != nil {
		return err
	}

	o := androidcfg.ManifestOverrides{
		VersionCode: job.Params.Version.VersionCode,
		VersionName: job.Params.Version.VersionName,
		GitVersion:  head,
	}
	if base := job.Params.Configs.BaseConfig; base != nil {
		o.AppName = base.AppName
		o.Meta = base.Meta
	}
	if err := androidcfg.RewriteManifest(androidcfg.ManifestPath(sourceDir), o); err != nil {
		return err
	}

	if err := androidcfg.RewriteProperties(androidcfg.PropertiesPath(sourceDir), job.Params.Configs.AppConfig); err != nil {
		return err
	}

	if err := androidcfg.ScrubGradle(androidcfg.GradlePath(sourceDir),
		job.Params.Version.VersionCode != nil, job.Params.Version.VersionName != ""); err != nil {
		return err
	}

	return strategy.ExtraConfig(ctx, job, sourceDir)
}

func releaseBuild(deps Deps, job *store.Job, sourceDir string) error {
	slog.Info("step release_build", logfields.BuildID(job.BuildID), logfields.Stage("release_build"))

	logPath := deps.Cfg.LogPath(job.BuildID)
	if err := os.MkdirAll(deps.Cfg.LogsDir(), 0o750); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	runner := shell.NewRunner(sourceDir, deps.Cfg.TmpDir(), deps.Cfg.AndroidHome)
	for _, command := range buildCommands(job.Params.Version.Channel, logPath) {
		if _, err := runner.Run(command); err != nil {
			return err
		}
	}
	return nil
}

// buildCommands renders the gradle invocations for one build. The channel
// becomes part of the assemble task name, capitalized the gradle way.
func buildCommands(channel, logPath string) []string {
	return []string{
		fmt.Sprintf("chmod a+x gradlew && ./gradlew clean > %s", logPath),
		fmt.Sprintf("./gradlew assemble%sRelease --no-daemon > %s", capitalize(channel), logPath),
	}
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func uploadArtifact(deps Deps, job *store.Job, sourceDir string) error {
	if !deps.Cfg.UploadEnabled {
		slog.Info("step upload_artifact skipped by policy", logfields.BuildID(job.BuildID))
		return nil
	}
	slog.Info("step upload_artifact", logfields.BuildID(job.BuildID), logfields.Stage("upload_artifact"))

	runner := shell.NewRunner(sourceDir, deps.Cfg.TmpDir(), deps.Cfg.AndroidHome)
	out, err := runner.Run(fmt.Sprintf("find %s -name '*release.apk'", sourceDir))
	if err != nil {
		return err
	}
	apk := firstLine(out)
	if apk == "" {
		return fmt.Errorf("no release apk found under %s", sourceDir)
	}

	fid, err := deps.Uploader.Upload(apk, artifactName(job))
	if err != nil {
		return err
	}
	job.Fid = fid
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// artifactName is the display name the artifact is stored under.
func artifactName(job *store.Job) string {
	return fmt.Sprintf("%s_%s.apk", job.Params.Version.ProjectName, job.Params.Version.VersionName)
}
