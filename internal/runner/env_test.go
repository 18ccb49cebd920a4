package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvFile(t *testing.T) {
	input := "FOO=bar\n" +
		"EMPTY=\n" +
		"WITH_EQUALS=a=b\n" +
		"\n" +
		"MULTI<<EOF\n" +
		"line one\n" +
		"line two\n" +
		"EOF\n" +
		"AFTER=1\r\n"

	vars, err := parseEnvFile(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"FOO":         "bar",
		"EMPTY":       "",
		"WITH_EQUALS": "a=b",
		"MULTI":       "line one\nline two",
		"AFTER":       "1",
	}, vars)
}

func TestParseEnvFile_Malformed(t *testing.T) {
	_, err := parseEnvFile(strings.NewReader("NOVALUE\n"))
	assert.ErrorContains(t, err, "expected KEY=VALUE")

	vars, err := parseEnvFile(strings.NewReader("OK=1\nOPEN<<END\nno end\n"))
	assert.ErrorContains(t, err, "missing delimiter")
	assert.Equal(t, "1", vars["OK"])
}

func TestWriteEnvEntry_RoundTrip(t *testing.T) {
	var b strings.Builder
	writeEnvEntry(&b, "ONE", "1")
	writeEnvEntry(&b, "TWO", "a\nb")

	vars, err := parseEnvFile(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, "1", vars["ONE"])
	assert.Equal(t, "a\nb", vars["TWO"])
}

func TestParsePathFile(t *testing.T) {
	paths := parsePathFile(strings.NewReader("/opt/a\n\n  /opt/b  \n"))
	assert.Equal(t, []string{"/opt/a", "/opt/b"}, paths)
}

func TestEnvironMapAndList(t *testing.T) {
	env := environMap([]string{"A=1", "B=x=y", "=bad", "NOEQ"})
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, env)
	assert.Equal(t, []string{"A=1", "B=x=y"}, environList(env))
}

func TestResolveShell(t *testing.T) {
	bash, err := resolveShell("bash", "")
	require.NoError(t, err)
	name, args := bash.command("/tmp/s.sh")
	assert.Equal(t, "bash", name)
	assert.Equal(t, []string{"--noprofile", "--norc", "-eo", "pipefail", "/tmp/s.sh"}, args)

	sh, err := resolveShell("", "sh")
	require.NoError(t, err)
	name, args = sh.command("/tmp/s.sh")
	assert.Equal(t, "sh", name)
	assert.Equal(t, []string{"-e", "/tmp/s.sh"}, args)

	py, err := resolveShell("python", "")
	require.NoError(t, err)
	assert.Equal(t, ".py", py.ext)

	custom, err := resolveShell("perl -w {0}", "")
	require.NoError(t, err)
	name, args = custom.command("/tmp/s")
	assert.Equal(t, "perl", name)
	assert.Equal(t, []string{"-w", "/tmp/s"}, args)

	_, err = resolveShell("fish", "")
	assert.ErrorIs(t, err, ErrUnsupportedShell)
}

func TestRepositoryURL(t *testing.T) {
	assert.Equal(t, "https://github.com/owner/app.git", repositoryURL("owner/app"))
	assert.Equal(t, "https://github.com/owner/app.git", repositoryURL("owner/app.git"))
	assert.Equal(t, "https://example.com/x.git", repositoryURL("https://example.com/x.git"))
	assert.Equal(t, "git@github.com:o/r.git", repositoryURL("git@github.com:o/r.git"))
}

func TestVersionMatches(t *testing.T) {
	assert.True(t, versionMatches("3.10.12", "3.10"))
	assert.True(t, versionMatches("3.10", "3.10"))
	assert.True(t, versionMatches("3.10.12", "3"))
	assert.False(t, versionMatches("3.1.4", "3.10"))
	assert.False(t, versionMatches("3.100.0", "3.10"))
}

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"10", 10 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"1m30s", 90 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"-1", 0, true},
		{"soon", 0, true},
		{"NaN", 0, true},
		{"Inf", 0, true},
		{"-Inf", 0, true},
		{"1e300", 0, true},
		{"9223372037", 0, true},
		{"9223372036", 9223372036 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSeconds(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m5s", FormatDuration(125*time.Second))
}
