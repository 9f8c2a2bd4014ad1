// Package config holds the process-wide settings for apkbuilder.
//
// Settings are resolved once at startup from defaults, an optional YAML
// settings file, and command line flags, and are immutable afterwards. The
// struct is threaded explicitly into every component instead of being read
// through package-level globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Version is the binary version, stamped into worker identities and
// notification footers.
const Version = "1.2.0"

// Settings is the resolved process configuration.
type Settings struct {
	// Roles.
	Manager      bool `yaml:"manager"`       // serve the submission API and reconcile
	ManagerBuild bool `yaml:"manager_build"` // manager that also subscribes for builds

	// Policies.
	DingEnabled   bool `yaml:"ding"`      // chat notifications
	UploadEnabled bool `yaml:"upload"`    // artifact upload to the blob store

	Port        uint16 `yaml:"port"`
	MongoAddr   string `yaml:"mongo"` // host:port
	RedisAddr   string `yaml:"redis"` // host:port
	IP          string `yaml:"ip"`    // service label, defaults to hostname
	CacheHome   string `yaml:"cache_home"`
	AndroidHome string `yaml:"android_home"`

	// External collaborators.
	WeedAssignURL  string `yaml:"weed_assign_url"`
	WeedLookupURL  string `yaml:"weed_lookup_url"`
	WeedPublicBase string `yaml:"weed_public_base"`
	MailRelayURL   string `yaml:"mail_relay_url"`
	DingWebhookURL string `yaml:"ding_webhook_url"`
	QueryBaseURL   string `yaml:"query_base_url"` // linked from failure notifications
}

// Default endpoint values mirror the in-house deployment; every one of them
// can be overridden through the settings file.
const (
	DefaultMongoAddr      = "192.168.2.36:27017"
	DefaultRedisAddr      = "192.168.2.36:6379"
	DefaultPort           = 7002
	defaultWeedAssignURL  = "http://gitlab.justsafe.com:9333/dir/assign"
	defaultWeedLookupURL  = "http://gitlab.justsafe.com:9333/dir/lookup"
	defaultWeedPublicBase = "http://gitlab.justsafe.com:8080"
	defaultMailRelayURL   = "http://192.168.2.36:9876/mail"
	defaultDingWebhookURL = "https://oapi.dingtalk.com/robot/send?access_token=bf650de5c1ab6d8c05edcd826db6c0808dcfa0f673d217de466240652643ad3f"
)

// Defaults returns a Settings populated with the built-in defaults.
func Defaults() Settings {
	home, _ := os.UserHomeDir()
	host, _ := os.Hostname()
	return Settings{
		UploadEnabled:  true,
		Port:           DefaultPort,
		MongoAddr:      DefaultMongoAddr,
		RedisAddr:      DefaultRedisAddr,
		IP:             host,
		CacheHome:      filepath.Join(home, ".mdm_build"),
		WeedAssignURL:  defaultWeedAssignURL,
		WeedLookupURL:  defaultWeedLookupURL,
		WeedPublicBase: defaultWeedPublicBase,
		MailRelayURL:   defaultMailRelayURL,
		DingWebhookURL: defaultDingWebhookURL,
	}
}

// LoadFile overlays the YAML settings file at path onto s. A missing file is
// not an error; a malformed one is.
func (s *Settings) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return nil
}

// WorkerID is the identity recorded on every job transition this process
// performs: service label plus binary version.
func (s *Settings) WorkerID() string {
	return s.IP + "-" + Version
}

// Worker reports whether this process subscribes to the dispatch channel.
// A plain manager never builds; everything else does.
func (s *Settings) Worker() bool {
	return !s.Manager || s.ManagerBuild
}

// MongoURI is the full connection string for the job store.
func (s *Settings) MongoURI() string { return "mongodb://" + s.MongoAddr }

// Cache layout. All transient build state lives under CacheHome.

func (s *Settings) TmpDir() string  { return filepath.Join(s.CacheHome, "tmp") }
func (s *Settings) AppsDir() string { return filepath.Join(s.CacheHome, "apps") }
func (s *Settings) LogsDir() string { return filepath.Join(s.CacheHome, "logs") }

// SourcePath is where a build's source tree is cloned.
func (s *Settings) SourcePath(buildID string) string {
	return filepath.Join(s.AppsDir(), buildID)
}

// LogPath is the combined gradle output for one build.
func (s *Settings) LogPath(buildID string) string {
	return filepath.Join(s.LogsDir(), buildID+".txt")
}
