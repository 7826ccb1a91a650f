package models

import (
	"fmt"
	"regexp"
	"strconv"
)

var semverPattern = regexp.MustCompile(`^(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)$`)

// SemVer is a MAJOR.MINOR.PATCH version number.
type SemVer struct {
	Major, Minor, Patch int
}

// ParseSemVer parses exactly X.Y.Z with non-negative integers and no leading zeros.
func ParseSemVer(s string) (SemVer, error) {
	m := semverPattern.FindStringSubmatch(s)
	if m == nil {
		return SemVer{}, fmt.Errorf("version number %q is not in the form MAJOR.MINOR.PATCH", s)
	}
	var v SemVer
	var err error
	if v.Major, err = strconv.Atoi(m[1]); err != nil {
		return SemVer{}, fmt.Errorf("version number %q: %w", s, err)
	}
	if v.Minor, err = strconv.Atoi(m[2]); err != nil {
		return SemVer{}, fmt.Errorf("version number %q: %w", s, err)
	}
	if v.Patch, err = strconv.Atoi(m[3]); err != nil {
		return SemVer{}, fmt.Errorf("version number %q: %w", s, err)
	}
	return v, nil
}

func (v SemVer) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less orders versions by major, then minor, then patch.
func (v SemVer) Less(o SemVer) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}
