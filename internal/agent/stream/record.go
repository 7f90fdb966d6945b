// Package stream consumes the Agent CLI's stream-json output. The CLI's
// line schema is not contractually stable, so this is a tolerant extractor
// over loosely-typed JSON rather than a typed protocol: each line folds
// into a progressively updated Record value.
package stream

import (
	"strings"

	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

// PermissionEvent captures a permission denial observed in the stream.
type PermissionEvent struct {
	ActionClass v1.ActionClass
	Description string
}

// Record accumulates everything extracted from the stream so far.
// Consume returns a new Record; callers keep the latest value.
type Record struct {
	// ReplayMode routes tool activity into ReplayActions as well.
	ReplayMode bool

	TextChunks    []string
	ToolSummaries []string
	SessionID     string
	TokensUsed    int
	HasUsage      bool
	Permission    *PermissionEvent
	ReplayActions []string

	ParseFailures int
	FirstBadLine  string
}

// NewRecord returns an empty record.
func NewRecord(replayMode bool) Record {
	return Record{ReplayMode: replayMode}
}

// CombinedText joins the accumulated assistant text.
func (r Record) CombinedText() string {
	return strings.Join(r.TextChunks, "\n")
}

// SchemaDrift reports whether the stream produced nothing usable despite
// parse failures, which is the signature of an output format change.
func (r Record) SchemaDrift() bool {
	return len(r.TextChunks) == 0 &&
		len(r.ToolSummaries) == 0 &&
		r.ParseFailures > 0
}

// PermissionDenied reports whether a permission denial was observed.
func (r Record) PermissionDenied() bool {
	return r.Permission != nil
}
