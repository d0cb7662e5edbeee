package types

import (
	"regexp"
	"strings"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	projectIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
)

const (
	maxProjectIDLength = 128
	maxFilenameLength  = 255
)

// IsValidProjectID checks that a project id can be used verbatim as a directory name
// FUNCTIONAL DISCOVERY: Leading dot is rejected so ids can never be "." or ".."
// and never collide with hidden upload temp files
func IsValidProjectID(id string) bool {
	if len(id) < 1 || len(id) > maxProjectIDLength {
		return false
	}
	return projectIDRegex.MatchString(id)
}

// IsValidCaptureFilename checks that a client supplied filename is a plain base name.
func IsValidCaptureFilename(name string) bool {
	if len(name) < 1 || len(name) > maxFilenameLength {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return true
}
