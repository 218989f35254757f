// Package identity defines module identities and their canonical string form.
//
// The canonical string is the only key used by the registry and the
// resolvers, so two identities are equal iff their canonical strings are
// equal:
//
//	TestLibrary, Version=1.0.0, Culture=neutral, PublicKeyToken=null
package identity

import (
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/wippyai/wasm-influence/errors"
)

const (
	// DefaultVersion is used when an identity carries no version.
	DefaultVersion = "0.0.0"
	// NeutralCulture is the culture of modules without localized resources.
	NeutralCulture = "neutral"
	// NullToken marks an unsigned module.
	NullToken = "null"
)

// Identity names a compiled module.
type Identity struct {
	Name           string
	Version        string
	Culture        string
	PublicKeyToken string
}

// New builds a normalized identity. An empty version defaults to 0.0.0.
func New(name, version string) (Identity, error) {
	return Identity{Name: name, Version: version}.Normalize()
}

// MustNew is New for package-level declarations.
func MustNew(name, version string) Identity {
	id, err := New(name, version)
	if err != nil {
		panic(err)
	}
	return id
}

// Normalize fills defaults and canonicalizes version and token.
func (id Identity) Normalize() (Identity, error) {
	id.Name = strings.TrimSpace(id.Name)
	if id.Name == "" {
		return Identity{}, errors.InvalidInput(errors.PhaseIdentity, "identity name cannot be empty")
	}
	if strings.ContainsAny(id.Name, ",=") {
		return Identity{}, errors.InvalidInput(errors.PhaseIdentity, "identity name cannot contain ',' or '='")
	}

	v, err := canonicalVersion(id.Version)
	if err != nil {
		return Identity{}, errors.New(errors.PhaseIdentity, errors.KindInvalidInput).
			Module(id.Name).
			Cause(err).
			Detail("invalid version %q", id.Version).
			Build()
	}
	id.Version = v

	id.Culture = strings.TrimSpace(id.Culture)
	if id.Culture == "" {
		id.Culture = NeutralCulture
	}

	token := strings.ToLower(strings.TrimSpace(id.PublicKeyToken))
	switch {
	case token == "" || token == NullToken:
		token = NullToken
	case len(token) != 16 || !isHex(token):
		return Identity{}, errors.New(errors.PhaseIdentity, errors.KindInvalidInput).
			Module(id.Name).
			Detail("public key token must be 16 hex digits, got %q", id.PublicKeyToken).
			Build()
	}
	id.PublicKeyToken = token

	return id, nil
}

// String returns the canonical form.
func (id Identity) String() string {
	var b strings.Builder
	b.WriteString(id.Name)
	b.WriteString(", Version=")
	if id.Version == "" {
		b.WriteString(DefaultVersion)
	} else {
		b.WriteString(id.Version)
	}
	b.WriteString(", Culture=")
	if id.Culture == "" {
		b.WriteString(NeutralCulture)
	} else {
		b.WriteString(id.Culture)
	}
	b.WriteString(", PublicKeyToken=")
	if id.PublicKeyToken == "" {
		b.WriteString(NullToken)
	} else {
		b.WriteString(id.PublicKeyToken)
	}
	return b.String()
}

// Equal compares canonical forms.
func (id Identity) Equal(other Identity) bool {
	return id.String() == other.String()
}

// IsZero reports whether the identity has no name.
func (id Identity) IsZero() bool {
	return id.Name == ""
}

// Parse reads an identity string. Keys are case-insensitive, may appear in
// any order, and missing keys take their defaults.
func Parse(s string) (Identity, error) {
	parts := strings.Split(s, ",")
	id := Identity{Name: strings.TrimSpace(parts[0])}

	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Identity{}, errors.InvalidInput(errors.PhaseIdentity, "malformed identity component "+strconv.Quote(strings.TrimSpace(part)))
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "version":
			id.Version = value
		case "culture":
			id.Culture = value
		case "publickeytoken":
			id.PublicKeyToken = value
		default:
			return Identity{}, errors.InvalidInput(errors.PhaseIdentity, "unknown identity key "+strconv.Quote(strings.TrimSpace(key)))
		}
	}

	return id.Normalize()
}

// canonicalVersion pads partial versions (1 -> 1.0.0) and folds a fourth
// revision component into build metadata (1.2.3.4 -> 1.2.3+4).
func canonicalVersion(v string) (string, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return DefaultVersion, nil
	}

	core, rest := v, ""
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		core, rest = v[:i], v[i:]
	}

	fields := strings.Split(core, ".")
	switch len(fields) {
	case 1:
		core += ".0.0"
	case 2:
		core += ".0"
	case 4:
		if rest != "" {
			return "", errors.InvalidInput(errors.PhaseIdentity, "four-part version cannot carry a suffix")
		}
		core = strings.Join(fields[:3], ".")
		if fields[3] != "0" {
			rest = "+" + fields[3]
		}
	}

	parsed, err := semver.NewVersion(core + rest)
	if err != nil {
		return "", err
	}
	return parsed.String(), nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
