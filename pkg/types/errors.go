package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidProjectID = errors.New("project ID must be 1-128 characters: letters, digits, underscore, hyphen or dot, not starting with a dot")
	ErrInvalidFilename  = errors.New("capture filename must be a plain file name without path separators")
)
