package deploy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/backend"
)

func doc(tech, name, content string) rulecache.RuleDocument {
	return rulecache.NewRuleDocument(tech, name, []byte(content), time.Unix(1700000000, 0))
}

func readFile(t *testing.T, parts ...string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(parts...))
	require.NoError(t, err)
	return string(data)
}

func readIndex(t *testing.T, dir string) map[string][]string {
	t.Helper()
	var index map[string][]string
	require.NoError(t, json.Unmarshal([]byte(readFile(t, dir, DefaultNamespace, IndexName)), &index))
	return index
}

func TestDeploy_WritesIntoEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine()

	report, err := e.Deploy(context.Background(), Target{
		Dir: dir,
		Documents: []rulecache.RuleDocument{
			doc("golang", "errors.md", "wrap errors"),
			doc("golang", "naming.md", "short names"),
		},
	})
	require.NoError(t, err)

	require.Equal(t, []string{".cursor-rules/golang/errors.md", ".cursor-rules/golang/naming.md"}, report.Written)
	require.Empty(t, report.Skipped)
	require.Empty(t, report.Overwritten)
	require.Empty(t, report.Failures)
	require.Equal(t, "written", report.Index)

	require.Equal(t, "wrap errors", readFile(t, dir, ".cursor-rules", "golang", "errors.md"))
	require.Equal(t, "short names", readFile(t, dir, ".cursor-rules", "golang", "naming.md"))
	require.Equal(t, map[string][]string{"golang": {"errors.md", "naming.md"}}, readIndex(t, dir))
}

func TestDeploy_RepeatIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine()
	target := Target{
		Dir:       dir,
		Documents: []rulecache.RuleDocument{doc("golang", "errors.md", "wrap errors")},
	}

	_, err := e.Deploy(context.Background(), target)
	require.NoError(t, err)
	before, err := os.Stat(filepath.Join(dir, ".cursor-rules", "golang", "errors.md"))
	require.NoError(t, err)

	report, err := e.Deploy(context.Background(), target)
	require.NoError(t, err)
	require.Empty(t, report.Written)
	require.Empty(t, report.Overwritten)
	require.Equal(t, []string{".cursor-rules/golang/errors.md"}, report.Skipped)
	require.Equal(t, "skipped", report.Index)

	after, err := os.Stat(filepath.Join(dir, ".cursor-rules", "golang", "errors.md"))
	require.NoError(t, err)
	require.Equal(t, before.ModTime(), after.ModTime())
}

func TestDeploy_OverwriteRecordsDigests(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine()

	_, err := e.Deploy(context.Background(), Target{
		Dir:       dir,
		Documents: []rulecache.RuleDocument{doc("python", "style.md", "v1")},
	})
	require.NoError(t, err)

	report, err := e.Deploy(context.Background(), Target{
		Dir:       dir,
		Documents: []rulecache.RuleDocument{doc("python", "style.md", "v2")},
	})
	require.NoError(t, err)

	require.Len(t, report.Overwritten, 1)
	ow := report.Overwritten[0]
	require.Equal(t, ".cursor-rules/python/style.md", ow.Path)
	require.Equal(t, rulecache.HashBytes([]byte("v1")), ow.PreviousDigest)
	require.Equal(t, rulecache.HashBytes([]byte("v2")), ow.Digest)
	require.Equal(t, "v2", readFile(t, dir, ".cursor-rules", "python", "style.md"))
}

func TestDeploy_IndexKeepsOtherTechnologies(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine()

	_, err := e.Deploy(context.Background(), Target{
		Dir:       dir,
		Documents: []rulecache.RuleDocument{doc("rust", "unsafe.md", "avoid")},
	})
	require.NoError(t, err)

	report, err := e.Deploy(context.Background(), Target{
		Dir:       dir,
		Documents: []rulecache.RuleDocument{doc("golang", "errors.md", "wrap")},
	})
	require.NoError(t, err)
	require.Equal(t, "overwritten", report.Index)

	require.Equal(t, map[string][]string{
		"golang": {"errors.md"},
		"rust":   {"unsafe.md"},
	}, readIndex(t, dir))
}

func TestDeploy_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	// A file where the technology directory should be blocks that technology only.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".cursor-rules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".cursor-rules", "java"), []byte("x"), 0o644))

	report, err := NewEngine().Deploy(context.Background(), Target{
		Dir: dir,
		Documents: []rulecache.RuleDocument{
			doc("java", "streams.md", "use streams"),
			doc("golang", "errors.md", "wrap"),
		},
	})
	require.NoError(t, err)

	require.Equal(t, []string{".cursor-rules/golang/errors.md"}, report.Written)
	require.Len(t, report.Failures, 1)
	require.Equal(t, ".cursor-rules/java/streams.md", report.Failures[0].Path)
	require.NotEmpty(t, report.Failures[0].Message)
	require.Equal(t, map[string][]string{"golang": {"errors.md"}}, readIndex(t, dir))
}

func TestDeploy_RejectsInvalidNames(t *testing.T) {
	dir := t.TempDir()

	report, err := NewEngine().Deploy(context.Background(), Target{
		Dir: dir,
		Documents: []rulecache.RuleDocument{
			doc("golang", "../escape.md", "nope"),
			doc("..", "x.md", "nope"),
			doc("golang", "ok.md", "yes"),
		},
	})
	require.NoError(t, err)

	require.Equal(t, []string{".cursor-rules/golang/ok.md"}, report.Written)
	require.Len(t, report.Failures, 2)
	for _, f := range report.Failures {
		require.ErrorIs(t, f.Err, backend.ErrInvalidKey)
	}
	_, err = os.Stat(filepath.Join(dir, ".cursor-rules", "escape.md"))
	require.True(t, os.IsNotExist(err))
}

func TestDeploy_IndexNameReservedForTechnologyOnly(t *testing.T) {
	dir := t.TempDir()

	report, err := NewEngine().Deploy(context.Background(), Target{
		Dir: dir,
		Documents: []rulecache.RuleDocument{
			doc("python", "index.json", `{"lint": true}`),
			doc(IndexName, "x.md", "nope"),
		},
	})
	require.NoError(t, err)

	require.Equal(t, []string{".cursor-rules/python/index.json"}, report.Written)
	require.Len(t, report.Failures, 1)
	require.ErrorIs(t, report.Failures[0].Err, backend.ErrInvalidKey)
	require.Equal(t, `{"lint": true}`, readFile(t, dir, ".cursor-rules", "python", "index.json"))
	require.Equal(t, map[string][]string{"python": {"index.json"}}, readIndex(t, dir))
}

func TestDeploy_UnusableTargetRecordsEveryDocument(t *testing.T) {
	parent := t.TempDir()
	target := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	report, err := NewEngine().Deploy(context.Background(), Target{
		Dir: target,
		Documents: []rulecache.RuleDocument{
			doc("golang", "a.md", "a"),
			doc("golang", "b.md", "b"),
		},
	})
	require.NoError(t, err)
	require.Empty(t, report.Written)
	require.Len(t, report.Failures, 2)
	require.Equal(t, "failed", report.Index)
}

func TestDeploy_CustomNamespace(t *testing.T) {
	dir := t.TempDir()

	report, err := NewEngine(WithNamespace(".rules")).Deploy(context.Background(), Target{
		Dir:       dir,
		Documents: []rulecache.RuleDocument{doc("golang", "a.md", "a")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{".rules/golang/a.md"}, report.Written)
	require.Equal(t, "a", readFile(t, dir, ".rules", "golang", "a.md"))
}

func TestDeploy_EmptyDir(t *testing.T) {
	_, err := NewEngine().Deploy(context.Background(), Target{Dir: " "})
	require.ErrorIs(t, err, ErrInvalidTarget)
}

func TestDeploy_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine().Deploy(ctx, Target{
		Dir:       t.TempDir(),
		Documents: []rulecache.RuleDocument{doc("golang", "a.md", "a")},
	})
	require.ErrorIs(t, err, context.Canceled)
}
