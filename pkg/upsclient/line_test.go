package upsclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"plain words", "VAR myups ups.status OL", []string{"VAR", "myups", "ups.status", "OL"}},
		{"quoted value", `VAR myups ups.status "OB LB"`, []string{"VAR", "myups", "ups.status", "OB LB"}},
		{"empty quoted word", `VAR myups ups.mfr ""`, []string{"VAR", "myups", "ups.mfr", ""}},
		{"escaped quote", `SET VAR myups ups.id "say \"hi\""`, []string{"SET", "VAR", "myups", "ups.id", `say "hi"`}},
		{"escaped backslash", `VALUE "a\\b"`, []string{"VALUE", `a\b`}},
		{"collapsed separators", "OK \t  STARTTLS", []string{"OK", "STARTTLS"}},
		{"empty line", "", nil},
		{"only spaces", "   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			words, err := splitLine(tt.line)
			require.Nil(t, err)
			assert.Equal(t, tt.want, words)
		})
	}
}

func TestSplitLine_Malformed(t *testing.T) {
	for _, line := range []string{`VAR myups "unterminated`, `VALUE "dangling escape\`} {
		_, err := splitLine(line)
		require.NotNil(t, err)
		assert.Equal(t, KindParse, err.Kind)
	}
}

func TestEncodeWord(t *testing.T) {
	assert.Equal(t, "OL", encodeWord("OL"))
	assert.Equal(t, `"OB LB"`, encodeWord("OB LB"))
	assert.Equal(t, `\"x\"`, encodeWord(`"x"`))
	assert.Equal(t, `"a \\ \"b\""`, encodeWord(`a \ "b"`))
}

func TestBuildCmd(t *testing.T) {
	assert.Equal(t, "GET VAR myups ups.status\n", buildCmd("GET", "VAR", "myups", "ups.status"))
	assert.Equal(t, "PASSWORD \"top secret\"\n", buildCmd("PASSWORD", "top secret"))
}

// The encoder must be the inverse of the splitter for anything the server
// can produce.
func TestLineRoundTrip(t *testing.T) {
	lines := [][]string{
		{"VAR", "myups", "ups.status", "OL CHRG"},
		{"NUMLOGINS", "myups", "3"},
		{"VAR", "myups", "ups.id", `big "quoted" name`},
	}

	for _, words := range lines {
		encoded := make([]string, len(words))
		for i, w := range words {
			encoded[i] = encodeWord(w)
		}
		back, err := splitLine(strings.Join(encoded, " "))
		require.Nil(t, err)
		assert.Equal(t, words, back)
	}
}

func TestVerifyEcho(t *testing.T) {
	assert.True(t, verifyEcho(
		[]string{"VAR", "myups", "ups.status"},
		[]string{"var", "MYUPS", "ups.status", "OL"}))
	assert.False(t, verifyEcho(
		[]string{"VAR", "myups", "ups.status"},
		[]string{"VAR", "otherups", "ups.status", "OL"}))
	assert.False(t, verifyEcho([]string{"VAR", "myups"}, []string{"VAR"}))
}
