// Package store persists build jobs in MongoDB.
//
// The collection is the durable queue of the whole system: the dispatch bus
// only wakes workers up, while the records here decide what still needs to
// run. Documents are replaced whole on every transition; the cluster lock in
// the bus package guarantees a single writer while a job is building.
package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Build status codes. Illegal never reaches storage; it is the query
// response for an unknown id.
const (
	CodeIllegal  int32 = -1
	CodeSuccess  int32 = 0
	CodeFailed   int32 = 1
	CodeWaiting  int32 = 2
	CodeBuilding int32 = 3
)

// User-facing status messages.
const (
	MsgSuccess  = "打包成功"
	MsgFailed   = "打包失败"
	MsgWaiting  = "等待中"
	MsgBuilding = "编译中"
	MsgIllegal  = "非法id"
)

// Framework flavors of the build strategy.
const (
	FrameworkNormal   = "normal"
	FrameworkNormal45 = "normal_4.5"
)

// Status is the {code, msg} pair stored flattened on the job document.
type Status struct {
	Code int32  `bson:"code" json:"status"`
	Msg  string `bson:"msg" json:"msg"`
}

func StatusSuccess() Status          { return Status{Code: CodeSuccess, Msg: MsgSuccess} }
func StatusFailed(msg string) Status { return Status{Code: CodeFailed, Msg: msg} }
func StatusWaiting() Status          { return Status{Code: CodeWaiting, Msg: MsgWaiting} }
func StatusBuilding() Status         { return Status{Code: CodeBuilding, Msg: MsgBuilding} }
func StatusIllegal() Status          { return Status{Code: CodeIllegal, Msg: MsgIllegal} }

// Success reports a successful terminal state.
func (s Status) Success() bool { return s.Code == CodeSuccess }

// Terminal reports whether the job finished, either way.
func (s Status) Terminal() bool { return s.Code == CodeSuccess || s.Code == CodeFailed }

// Version is the source block of a build request.
type Version struct {
	ProjectName string `bson:"project_name,omitempty" json:"project_name,omitempty"`
	ModuleName  string `bson:"module_name,omitempty" json:"module_name,omitempty"`
	Scm         string `bson:"scm,omitempty" json:"scm,omitempty"`
	SourceURL   string `bson:"source_url" json:"source_url"`
	Channel     string `bson:"channel,omitempty" json:"channel,omitempty"`
	Branch      string `bson:"branch,omitempty" json:"branch,omitempty"`
	Revision    string `bson:"revision,omitempty" json:"revision,omitempty"`
	VersionCode *int32 `bson:"version_code,omitempty" json:"version_code,omitempty"`
	VersionName string `bson:"version_name,omitempty" json:"version_name,omitempty"`
}

// BaseConfig carries the optional branding and asset overrides.
type BaseConfig struct {
	AppName      string            `bson:"app_name,omitempty" json:"app_name,omitempty"`
	AppIcon      string            `bson:"app_icon,omitempty" json:"app_icon,omitempty"`
	AssetsConfig string            `bson:"assets_config,omitempty" json:"assets_config,omitempty"`
	Meta         map[string]string `bson:"meta,omitempty" json:"meta,omitempty"`
}

// Configs selects the framework flavor and per-build configuration.
type Configs struct {
	Framework  string            `bson:"framework" json:"framework"`
	BaseConfig *BaseConfig       `bson:"base_config,omitempty" json:"base_config,omitempty"`
	AppConfig  map[string]string `bson:"app_config,omitempty" json:"app_config,omitempty"`
}

// BuildParams is the immutable request body of one build.
type BuildParams struct {
	Version     Version `bson:"version" json:"version"`
	Configs     Configs `bson:"configs" json:"configs"`
	Email       string  `bson:"email,omitempty" json:"email,omitempty"`
	ResponseURL string  `bson:"response_url,omitempty" json:"responseUrl,omitempty"`
}

// Validate rejects requests the pipeline could never run.
func (p *BuildParams) Validate() error {
	if p.Version.SourceURL == "" {
		return fmt.Errorf("version.source_url is required")
	}
	switch p.Configs.Framework {
	case FrameworkNormal, FrameworkNormal45:
	default:
		return fmt.Errorf("unknown framework %q", p.Configs.Framework)
	}
	return nil
}

// Job is the durable record of one build request.
type Job struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	Date       time.Time          `bson:"date" json:"date"`
	BuildID    string             `bson:"build_id" json:"build_id"`
	Status     `bson:",inline"`
	Params     BuildParams `bson:"params" json:"params"`
	BuildTime  int64       `bson:"build_time" json:"build_time"` // whole seconds, terminal states only
	Email      string      `bson:"email,omitempty" json:"email,omitempty"`
	Fid        string      `bson:"fid" json:"fid"`
	Operate    string      `bson:"operate,omitempty" json:"operate,omitempty"`
	UpdateTime time.Time   `bson:"update_time" json:"update_time"`
}

// NewJob allocates a fresh waiting job for params, stamped with the
// submitting worker's identity.
func NewJob(params BuildParams, operate string) *Job {
	now := time.Now().UTC()
	return &Job{
		Date:       now,
		BuildID:    uuid.NewString(),
		Status:     StatusWaiting(),
		Params:     params,
		Email:      params.Email,
		Fid:        "",
		Operate:    operate,
		UpdateTime: now,
	}
}
