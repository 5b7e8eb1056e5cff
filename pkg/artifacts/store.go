package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
)

// Version numbers a trained artifact directory. Versions need not be contiguous.
type Version int

// Latest asks for the highest discovered version.
const Latest Version = -1

func (v Version) String() string {
	if v == Latest {
		return "latest"
	}
	return strconv.Itoa(int(v))
}

var versionDirRegexp = regexp.MustCompile(`^Saved_(0|[1-9][0-9]*)$`)

// DirName is the name of the directory holding version v.
func DirName(v Version) string {
	return fmt.Sprintf("Saved_%d", int(v))
}

// ParseDirName extracts the version from a Saved_N name.
func ParseDirName(name string) (Version, bool) {
	m := versionDirRegexp.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return Version(n), true
}

// Store maps model names to directories under OutputRoot.
type Store struct {
	OutputRoot string
}

func (s Store) RootOf(name string) string {
	return filepath.Join(s.OutputRoot, name)
}

func (s Store) VersionedPath(name string, v Version) string {
	return filepath.Join(s.RootOf(name), DirName(v))
}

// DiscoverVersions lists the versions present directly under a model root, ascending.
// The root must exist; an existing root without versions yields an empty slice.
func DiscoverVersions(root string) ([]Version, error) {
	const op = "artifacts.DiscoverVersions"

	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, mlerrors.Errorf(mlerrors.NotFound, op, "model root %q does not exist", root)
		}
		return nil, mlerrors.Errorf(mlerrors.IO, op, "listing %q: %w", root, err)
	}

	versions := make([]Version, 0)
	for _, entry := range entries {
		if v, ok := ParseDirName(entry.Name()); ok {
			versions = append(versions, v)
		}
	}
	slices.Sort(versions)
	return versions, nil
}

// LatestVersion is the highest version under root.
func LatestVersion(root string) (Version, error) {
	versions, err := DiscoverVersions(root)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, mlerrors.Errorf(mlerrors.NotFound, "artifacts.LatestVersion", "no versions available under %q", root)
	}
	return versions[len(versions)-1], nil
}

// Resolve turns Latest into the highest version, and checks that an explicit version exists.
func Resolve(root string, v Version) (Version, error) {
	if v == Latest {
		return LatestVersion(root)
	}
	versions, err := DiscoverVersions(root)
	if err != nil {
		return 0, err
	}
	if !slices.Contains(versions, v) {
		return 0, mlerrors.Errorf(mlerrors.NotFound, "artifacts.Resolve", "version %d not found under %q (have %v)", v, root, versions)
	}
	return v, nil
}
