package stream

import (
	"regexp"
	"strings"

	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

var (
	rmWord  = regexp.MustCompile(`(?i)\brm\b`)
	apiWord = regexp.MustCompile(`(?i)\bapi\b`)
)

// ClassifyAction maps a denied-action description onto a coarse action
// class. Matching runs most-specific first so "rm -rf" lands on
// destructive_cmd rather than the generic file_delete bucket.
func ClassifyAction(desc string) v1.ActionClass {
	lower := strings.ToLower(desc)
	switch {
	case strings.Contains(lower, "rm -rf") || strings.Contains(lower, "drop table"):
		return v1.ActionDestructiveCmd
	case strings.Contains(lower, "git") && (strings.Contains(lower, "force") || strings.Contains(lower, "reset")):
		return v1.ActionGitForce
	case strings.Contains(lower, "git push"):
		return v1.ActionGitPush
	case strings.Contains(lower, "pip install") || strings.Contains(lower, "npm install"):
		return v1.ActionInstallPackage
	case strings.Contains(lower, "delete") || rmWord.MatchString(lower):
		return v1.ActionFileDelete
	case strings.Contains(lower, "force") || strings.Contains(lower, "reset"):
		return v1.ActionGitForce
	case strings.Contains(lower, "http") || apiWord.MatchString(lower):
		return v1.ActionExternalRequest
	default:
		return v1.ActionUnknown
	}
}
