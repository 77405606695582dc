// Package branch encodes and decodes prototype branch names.
//
// A name has the form category/[ordinal-]slug, where category is one of a
// fixed set of prefixes, ordinal is an optional zero-padded integer of
// OrdinalWidth digits and slug matches [a-z0-9]+(-[a-z0-9]+)*. Decode is the
// exact inverse of Encode for every name Encode can produce.
package branch

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// OrdinalWidth is the fixed number of digits in an ordinal segment.
const OrdinalWidth = 3

// MaxOrdinal is the largest ordinal that fits in OrdinalWidth digits.
const MaxOrdinal = 999

// Category is a branch name prefix.
type Category string

const (
	CategoryPrototype  Category = "prototype"
	CategoryExperiment Category = "experiment"
	CategorySpike      Category = "spike"
)

// Categories lists every recognized prefix.
var Categories = []Category{CategoryPrototype, CategoryExperiment, CategorySpike}

var (
	// ErrInvalidBranchName indicates a name or one of its parts violates the grammar.
	ErrInvalidBranchName = errors.New("invalid branch name")

	// ErrBranchNotFound indicates the named branch does not exist.
	ErrBranchNotFound = errors.New("branch not found")
)

var (
	slugPattern    = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	ordinalPattern = regexp.MustCompile(`^[0-9]{3}$`)
	nonSlugRun     = regexp.MustCompile(`[^a-z0-9]+`)
)

// Name is a decoded branch name. Ordinal 0 means the name carries no ordinal.
type Name struct {
	Category Category
	Ordinal  int
	Slug     string
}

// String returns the encoded name, or "" if n is invalid.
func (n Name) String() string {
	s, err := Encode(n)
	if err != nil {
		return ""
	}
	return s
}

// ValidCategory reports whether c is a recognized prefix.
func ValidCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Encode renders n as a branch name.
func Encode(n Name) (string, error) {
	if !ValidCategory(n.Category) {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidBranchName, n.Category)
	}
	if !slugPattern.MatchString(n.Slug) {
		return "", fmt.Errorf("%w: invalid slug %q", ErrInvalidBranchName, n.Slug)
	}
	if n.Ordinal < 0 || n.Ordinal > MaxOrdinal {
		return "", fmt.Errorf("%w: ordinal %d out of range", ErrInvalidBranchName, n.Ordinal)
	}
	if n.Ordinal == 0 {
		// A leading numeric token would read back as an ordinal segment.
		if first, _, hasDash := strings.Cut(n.Slug, "-"); hasDash && isDigits(first) {
			return "", fmt.Errorf("%w: slug %q is ambiguous without an ordinal", ErrInvalidBranchName, n.Slug)
		}
		return string(n.Category) + "/" + n.Slug, nil
	}
	return fmt.Sprintf("%s/%0*d-%s", n.Category, OrdinalWidth, n.Ordinal, n.Slug), nil
}

// Decode parses a branch name. Unknown categories and malformed ordinal or
// slug segments are errors; there is no partial result.
func Decode(name string) (Name, error) {
	prefix, rest, ok := strings.Cut(name, "/")
	if !ok {
		return Name{}, fmt.Errorf("%w: %q has no category", ErrInvalidBranchName, name)
	}
	category := Category(prefix)
	if !ValidCategory(category) {
		return Name{}, fmt.Errorf("%w: unknown category %q", ErrInvalidBranchName, prefix)
	}

	n := Name{Category: category, Slug: rest}
	if head, tail, hasDash := strings.Cut(rest, "-"); hasDash && isDigits(head) {
		if !ordinalPattern.MatchString(head) {
			return Name{}, fmt.Errorf("%w: malformed ordinal %q", ErrInvalidBranchName, head)
		}
		ordinal, err := strconv.Atoi(head)
		if err != nil || ordinal == 0 {
			return Name{}, fmt.Errorf("%w: malformed ordinal %q", ErrInvalidBranchName, head)
		}
		n.Ordinal = ordinal
		n.Slug = tail
	}

	if !slugPattern.MatchString(n.Slug) {
		return Name{}, fmt.Errorf("%w: invalid slug %q", ErrInvalidBranchName, n.Slug)
	}
	return n, nil
}

// Slugify derives a slug from free text.
func Slugify(text string) (string, error) {
	slug := nonSlugRun.ReplaceAllString(strings.ToLower(text), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "", fmt.Errorf("%w: %q has no usable characters", ErrInvalidBranchName, text)
	}
	return slug, nil
}

// NextOrdinal returns one past the highest ordinal found in names, across all
// categories. Names that do not decode are ignored.
func NextOrdinal(names []string) int {
	highest := 0
	for _, name := range names {
		n, err := Decode(name)
		if err != nil {
			continue
		}
		if n.Ordinal > highest {
			highest = n.Ordinal
		}
	}
	return highest + 1
}

// IsManaged reports whether name decodes under the grammar.
func IsManaged(name string) bool {
	_, err := Decode(name)
	return err == nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
