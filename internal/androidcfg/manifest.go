// Package androidcfg rewrites the configuration artifacts of a cloned
// Android project before the gradle build runs: the manifest XML, the asset
// properties file and the version lines in build.gradle.
package androidcfg

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/beevik/etree"
)

// Relative locations inside a source tree.
const (
	manifestRel   = "app/src/main/AndroidManifest.xml"
	propertiesRel = "app/src/main/assets/config.properties"
	gradleRel     = "app/build.gradle"
)

// GitVersionKey is the synthetic meta-data entry recording the built commit.
const GitVersionKey = "git_version"

func ManifestPath(sourceDir string) string   { return filepath.Join(sourceDir, filepath.FromSlash(manifestRel)) }
func PropertiesPath(sourceDir string) string { return filepath.Join(sourceDir, filepath.FromSlash(propertiesRel)) }
func GradlePath(sourceDir string) string     { return filepath.Join(sourceDir, filepath.FromSlash(gradleRel)) }

// ManifestOverrides are the per-build edits applied to AndroidManifest.xml.
type ManifestOverrides struct {
	VersionCode *int32
	VersionName string
	AppName     string
	Meta        map[string]string
	GitVersion  string // HEAD commit of the source tree
}

// RewriteManifest applies o to the manifest at path in place.
//
// Version attributes are set on the root manifest element, the label on the
// application element, and every meta entry (plus git_version) becomes a
// meta-data child inserted right after the application opening tag. An
// existing meta-data whose android:name matches a supplied key is replaced.
func RewriteManifest(path string, o ManifestOverrides) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return fmt.Errorf("read manifest %s: %w", path, err)
	}

	root := doc.SelectElement("manifest")
	if root == nil {
		return fmt.Errorf("manifest %s: missing <manifest> root", path)
	}
	if o.VersionCode != nil {
		root.CreateAttr("android:versionCode", strconv.FormatInt(int64(*o.VersionCode), 10))
	}
	if o.VersionName != "" {
		root.CreateAttr("android:versionName", o.VersionName)
	}

	app := root.SelectElement("application")
	if app == nil {
		return fmt.Errorf("manifest %s: missing <application> element", path)
	}
	if o.AppName != "" {
		app.CreateAttr("android:label", o.AppName)
	}

	meta := map[string]string{}
	for k, v := range o.Meta {
		meta[k] = v
	}
	if o.GitVersion != "" {
		meta[GitVersionKey] = o.GitVersion
	}

	if len(meta) > 0 {
		// Drop any meta-data this rewrite supersedes. Name match is
		// case-sensitive.
		for _, el := range app.SelectElements("meta-data") {
			name := el.SelectAttrValue("android:name", "")
			if _, ok := meta[name]; ok {
				app.RemoveChild(el)
			}
		}

		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for i, k := range keys {
			el := etree.NewElement("meta-data")
			el.CreateAttr("android:name", k)
			el.CreateAttr("android:value", meta[k])
			app.InsertChildAt(i, el)
		}
	}

	doc.Indent(4)
	doc.WriteSettings.CanonicalEndTags = true
	if err := doc.WriteToFile(path); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}
