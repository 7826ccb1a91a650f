package archive

import (
	"fmt"
	"strings"

	"github.com/maneesh/pkgrepo/internal/models"
)

// Reference names a package version as namespace-name-X.Y.Z.
type Reference struct {
	Namespace string
	Name      string
	Version   string
}

func (r Reference) String() string {
	return r.Namespace + "-" + r.Name + "-" + r.Version
}

// SamePackage reports whether r and o name the same namespace and package, ignoring version.
func (r Reference) SamePackage(o Reference) bool {
	return r.Namespace == o.Namespace && r.Name == o.Name
}

// ParseReference parses from the right: the namespace may contain dashes, the name
// and version may not.
func ParseReference(s string) (Reference, error) {
	idx := strings.LastIndexByte(s, '-')
	if idx < 0 {
		return Reference{}, fmt.Errorf("Invalid package reference string: %s", s)
	}
	version := s[idx+1:]
	if _, err := models.ParseSemVer(version); err != nil {
		return Reference{}, fmt.Errorf("Invalid package reference string: %s", s)
	}
	rest := s[:idx]
	idx = strings.LastIndexByte(rest, '-')
	if idx <= 0 || idx == len(rest)-1 {
		return Reference{}, fmt.Errorf("Invalid package reference string: %s", s)
	}
	return Reference{Namespace: rest[:idx], Name: rest[idx+1:], Version: version}, nil
}
