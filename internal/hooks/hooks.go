// Package hooks defines the closed set of capability profiles granted to
// worker sessions, and the keyword classifier that picks one per task.
package hooks

import "strings"

// Profile is a named permission profile for a worker session. A profile
// with an empty allow list grants everything.
type Profile struct {
	Name        string
	Description string
	AllowTools  []string
	TaskType    string
}

// IsFullAccess reports whether this profile carries no restrictions.
func (p Profile) IsFullAccess() bool {
	return p.Name == "full_access"
}

var (
	ReadOnly = Profile{
		Name:        "read_only",
		Description: "Read-only access: file reading, search, listing",
		AllowTools:  []string{"Read", "Glob", "Grep", "WebSearch", "WebFetch"},
		TaskType:    "research",
	}

	CodeEdit = Profile{
		Name:        "code_edit",
		Description: "Code editing: read, write, edit files",
		AllowTools:  []string{"Read", "Glob", "Grep", "Edit", "Write", "WebSearch", "WebFetch"},
		TaskType:    "implementation",
	}

	TestRun = Profile{
		Name:        "test_run",
		Description: "Test execution: read files, run test commands",
		AllowTools:  []string{"Read", "Glob", "Grep", "Bash"},
		TaskType:    "testing",
	}

	FullAccess = Profile{
		Name:        "full_access",
		Description: "Full access: all tools allowed",
		AllowTools:  nil,
		TaskType:    "trusted",
	}
)

var profiles = map[string]Profile{
	"read_only":   ReadOnly,
	"code_edit":   CodeEdit,
	"test_run":    TestRun,
	"full_access": FullAccess,
}

// taskKeywords maps description keywords to profile names. Order of
// evaluation follows this list so that more restrictive verbs win over
// the code_edit catch-alls.
var taskKeywords = []struct {
	keyword string
	profile string
}{
	{"read", "read_only"},
	{"search", "read_only"},
	{"find", "read_only"},
	{"explore", "read_only"},
	{"research", "read_only"},
	{"analyze", "read_only"},
	{"review", "read_only"},
	{"test", "test_run"},
	{"verify", "test_run"},
	{"lint", "test_run"},
	{"check", "test_run"},
	{"implement", "code_edit"},
	{"create", "code_edit"},
	{"add", "code_edit"},
	{"fix", "code_edit"},
	{"refactor", "code_edit"},
	{"update", "code_edit"},
	{"write", "code_edit"},
	{"edit", "code_edit"},
	{"delete", "full_access"},
	{"deploy", "full_access"},
	{"install", "full_access"},
	{"migrate", "full_access"},
}

// Get returns a profile by name.
func Get(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// ForTask selects the profile for a task description by keyword match,
// defaulting to code_edit when nothing matches.
func ForTask(description string) Profile {
	lower := strings.ToLower(description)
	for _, kw := range taskKeywords {
		if strings.Contains(lower, kw.keyword) {
			return profiles[kw.profile]
		}
	}
	return CodeEdit
}
