package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

func consumeAll(t *testing.T, rec Record, lines ...string) Record {
	t.Helper()
	for _, line := range lines {
		rec = Consume(rec, []byte(line))
	}
	return rec
}

func TestConsumeAssistantShapes(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"first"}]}}`,
		`{"role":"assistant","content":"second"}`,
		`{"type":"assistant_message","text":"third"}`,
	)
	assert.Equal(t, []string{"first", "second", "third"}, rec.TextChunks)
	assert.Equal(t, "first\nsecond\nthird", rec.CombinedText())
	assert.False(t, rec.SchemaDrift())
}

func TestConsumeResultLine(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`{"type":"result","result":"the answer","session_id":"sess-1","usage":{"total_tokens":420}}`,
	)
	assert.Equal(t, []string{"the answer"}, rec.TextChunks)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.True(t, rec.HasUsage)
	assert.Equal(t, 420, rec.TokensUsed)
}

func TestConsumeDeduplicatesRepeatedResult(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`{"role":"assistant","content":"same text"}`,
		`{"type":"result","result":"same text"}`,
	)
	assert.Equal(t, []string{"same text"}, rec.TextChunks)
}

func TestConsumeSessionFirstWins(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`{"type":"system","session_id":"first"}`,
		`{"type":"result","session_id":"second"}`,
	)
	assert.Equal(t, "first", rec.SessionID)

	rec = consumeAll(t, NewRecord(false),
		`{"type":"system","conversation_id":"conv-9"}`,
	)
	assert.Equal(t, "conv-9", rec.SessionID)
}

func TestConsumeUsageLastWins(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}],"usage":{"total_tokens":100}}}`,
		`{"type":"result","result":"hi","usage":{"total_tokens":250}}`,
	)
	assert.True(t, rec.HasUsage)
	assert.Equal(t, 250, rec.TokensUsed)
}

func TestConsumeNoTotalTokensLeavesUsageUnset(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`{"type":"result","result":"x","usage":{"input_tokens":10,"output_tokens":5}}`,
	)
	assert.False(t, rec.HasUsage)
	assert.Zero(t, rec.TokensUsed)
}

func TestConsumeToolSummaries(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`{"type":"tool_use","tool_name":"Bash","input":{"command":"ls -la"}}`,
		`{"toolName":"Read","input":{"file_path":"/srv/app/main.go"}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"path":"cfg.yaml"}}]}}`,
	)
	require.Len(t, rec.ToolSummaries, 3)
	assert.Equal(t, "Bash: ls -la", rec.ToolSummaries[0])
	assert.Equal(t, "Read: /srv/app/main.go", rec.ToolSummaries[1])
	assert.Equal(t, "Edit: cfg.yaml", rec.ToolSummaries[2])
	assert.Empty(t, rec.ReplayActions)
}

func TestConsumeBareNameNeedsToolContext(t *testing.T) {
	// A name field on a prose object is not a tool call.
	rec := consumeAll(t, NewRecord(false),
		`{"type":"system","name":"startup","text":"booting"}`,
	)
	assert.Empty(t, rec.ToolSummaries)
}

func TestConsumeToolSummaryTruncated(t *testing.T) {
	long := strings.Repeat("x", 500)
	rec := consumeAll(t, NewRecord(false),
		`{"type":"tool_use","tool_name":"Bash","input":{"command":"`+long+`"}}`,
	)
	require.Len(t, rec.ToolSummaries, 1)
	assert.LessOrEqual(t, len([]rune(rec.ToolSummaries[0])), maxSummaryLen)
	assert.True(t, strings.HasPrefix(rec.ToolSummaries[0], "Bash: xxx"))
}

func TestConsumeReplayModeCollectsActions(t *testing.T) {
	rec := consumeAll(t, NewRecord(true),
		`{"type":"tool_use","tool_name":"Bash","input":{"command":"git push origin main"}}`,
	)
	require.Len(t, rec.ReplayActions, 1)
	assert.Equal(t, "Bash: git push origin main", rec.ReplayActions[0])
}

func TestConsumeParseFailures(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`not json at all`,
		`{"broken": `,
		``,
		`   `,
	)
	assert.Equal(t, 2, rec.ParseFailures)
	assert.Equal(t, "not json at all", rec.FirstBadLine)
	assert.True(t, rec.SchemaDrift())
}

func TestConsumeParseFailuresWithTextIsNotDrift(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`garbage line`,
		`{"role":"assistant","content":"still produced output"}`,
	)
	assert.Equal(t, 1, rec.ParseFailures)
	assert.False(t, rec.SchemaDrift())
}

func TestConsumeFirstBadLineTruncated(t *testing.T) {
	rec := consumeAll(t, NewRecord(false), strings.Repeat("z", 5000))
	assert.LessOrEqual(t, len([]rune(rec.FirstBadLine)), maxBadLineLen)
}

func TestConsumeStructuredPermissionDenial(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`{"type":"permission_denial","description":"git push origin main"}`,
	)
	require.NotNil(t, rec.Permission)
	assert.Equal(t, v1.ActionGitPush, rec.Permission.ActionClass)
	assert.Equal(t, "git push origin main", rec.Permission.Description)
}

func TestConsumeKeywordPermissionDenial(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`{"type":"system","text":"permission denied: cannot delete build artifacts"}`,
	)
	require.NotNil(t, rec.Permission)
	assert.Equal(t, v1.ActionFileDelete, rec.Permission.ActionClass)
}

func TestConsumePermissionFirstEventWins(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`{"type":"permission_denial","description":"rm -rf /tmp/scratch"}`,
		`{"type":"permission_denial","description":"git push"}`,
	)
	require.NotNil(t, rec.Permission)
	assert.Equal(t, v1.ActionDestructiveCmd, rec.Permission.ActionClass)
}

func TestConsumePlainProseHasNoPermission(t *testing.T) {
	rec := consumeAll(t, NewRecord(false),
		`{"role":"assistant","content":"I checked the file permissions and they look fine."}`,
	)
	assert.Nil(t, rec.Permission)
}

func TestClassifyAction(t *testing.T) {
	cases := []struct {
		desc string
		want v1.ActionClass
	}{
		{"rm -rf /var/data", v1.ActionDestructiveCmd},
		{"DROP TABLE users", v1.ActionDestructiveCmd},
		{"git push --force origin main", v1.ActionGitForce},
		{"git reset --hard HEAD~3", v1.ActionGitForce},
		{"git push origin main", v1.ActionGitPush},
		{"pip install requests", v1.ActionInstallPackage},
		{"npm install leftpad", v1.ActionInstallPackage},
		{"delete the staging database", v1.ActionFileDelete},
		{"rm old.log", v1.ActionFileDelete},
		{"POST to http://example.com/hook", v1.ActionExternalRequest},
		{"call the billing API", v1.ActionExternalRequest},
		{"reformat the README", v1.ActionUnknown},
		{"", v1.ActionUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyAction(tc.desc), "desc=%q", tc.desc)
	}
}
