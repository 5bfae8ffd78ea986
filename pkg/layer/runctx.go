package layer

import "github.com/google/uuid"

// RunContext carries per-run state through one pipeline call. It is not
// safe for concurrent use; every ingestion builds its own.
type RunContext struct {
	RunID    string
	Username string
	Testing  bool   // Suppresses operator notifications
	Host     string // Host that served the request
}

// NewRunContext creates a run context for username.
func NewRunContext(username string) *RunContext {
	return &RunContext{
		RunID:    uuid.NewString(),
		Username: username,
	}
}

// UserDir returns a path-safe directory name for the user.
func (rc *RunContext) UserDir() string {
	if rc.Username == "" {
		return "anonymous"
	}
	return SafeName(rc.Username)
}

// SafeName strips characters that could escape a directory.
func SafeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	name := string(out)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
