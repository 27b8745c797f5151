// SPDX-License-Identifier: Apache-2.0

// Package version exposes this build's frozen application version and the
// semver helpers used by the migration version gates. The version is frozen
// at build time rather than read from the environment so that compatibility
// checks stay stable even if the surrounding deployment is mid-upgrade.
package version

import (
	_ "embed"
	"encoding/json"
	"runtime"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/joomcode/errorx"
	"gopkg.in/yaml.v3"
)

//go:embed VERSION
var number string

//go:embed COMMIT
var commit string

type Info struct {
	Number    string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	GoVersion string `json:"go" yaml:"go"`
}

const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

var versionInfo Info

func init() {
	versionInfo = Info{
		Number:    Number(),
		Commit:    Commit(),
		GoVersion: runtime.Version(),
	}
}

func Number() string {
	return strings.TrimSpace(number)
}

func Commit() string {
	return strings.TrimSpace(commit)
}

func Get() Info {
	return versionInfo
}

func (v Info) Format(format string) (string, error) {
	var output []byte
	var err error
	switch strings.ToLower(format) {
	case FormatJSON:
		output, err = json.Marshal(v)
		if err != nil {
			return "", errorx.IllegalFormat.Wrap(err, "error marshaling version info to JSON")
		}
	case FormatYAML:
		output, err = yaml.Marshal(v)
		if err != nil {
			return "", errorx.IllegalFormat.Wrap(err, "error marshaling version info to YAML")
		}
	default:
		return "", errorx.IllegalFormat.New("unsupported format: %s", format)
	}

	return string(output), nil
}

// Frozen returns the running application's version as a parsed semver.
func Frozen() (*semver.Version, error) {
	v, err := semver.NewVersion(Number())
	if err != nil {
		return nil, errorx.IllegalFormat.Wrap(err, "application version %q is not a valid semver", Number())
	}
	return v, nil
}

// InRange reports whether v falls inside [min, max]. Either bound may be
// empty, which leaves that side of the window open.
func InRange(v *semver.Version, min, max string) (bool, error) {
	if min != "" {
		lo, err := semver.NewVersion(min)
		if err != nil {
			return false, errorx.IllegalFormat.Wrap(err, "invalid minimum version %q", min)
		}
		if v.LessThan(lo) {
			return false, nil
		}
	}
	if max != "" {
		hi, err := semver.NewVersion(max)
		if err != nil {
			return false, errorx.IllegalFormat.Wrap(err, "invalid maximum version %q", max)
		}
		if v.GreaterThan(hi) {
			return false, nil
		}
	}
	return true, nil
}

// PastMax reports whether v has moved beyond max. An empty max never blocks.
func PastMax(v *semver.Version, max string) (bool, error) {
	if max == "" {
		return false, nil
	}
	hi, err := semver.NewVersion(max)
	if err != nil {
		return false, errorx.IllegalFormat.Wrap(err, "invalid maximum version %q", max)
	}
	return v.GreaterThan(hi), nil
}
