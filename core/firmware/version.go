package firmware

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultVersion is assumed for binaries whose name carries no version.
var DefaultVersion = Version{Major: 1}

// fileNameRe matches <basename>_v<major>.<minor>.<patch>.bin.
var fileNameRe = regexp.MustCompile(`^(.+)_v(\d+)\.(\d+)\.(\d+)\.bin$`)

// Version is a major.minor.patch firmware version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "1.2.3" with an optional leading "v". Missing minor
// or patch components are zero.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

// Newer reports whether v is strictly newer than o.
func (v Version) Newer(o Version) bool { return v.Compare(o) > 0 }

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// ParseFileName splits a catalog file name into its base name and version.
// Names that do not follow the convention keep their full name (minus a
// .bin suffix) as base and get DefaultVersion.
func ParseFileName(name string) (base string, v Version) {
	if m := fileNameRe.FindStringSubmatch(name); m != nil {
		major, _ := strconv.Atoi(m[2])
		minor, _ := strconv.Atoi(m[3])
		patch, _ := strconv.Atoi(m[4])
		return m[1], Version{Major: major, Minor: minor, Patch: patch}
	}
	return strings.TrimSuffix(name, ".bin"), DefaultVersion
}

// FileName builds the catalog file name for base and v.
func FileName(base string, v Version) string {
	return fmt.Sprintf("%s_v%s.bin", base, v)
}
