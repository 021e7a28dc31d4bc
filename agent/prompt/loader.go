package prompt

import (
	_ "embed"
	"strings"
)

//go:embed template/system.txt
var systemRaw string

// System returns the default system prompt.
func System() string {
	return strings.TrimSpace(systemRaw)
}
