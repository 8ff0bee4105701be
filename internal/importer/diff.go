package importer

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// PayeeDiff renders how payee b differs from a, marking removed text as
// [-x-] and added text as {+x+}. Identical payees render unchanged.
func PayeeDiff(a, b string) string {
	if a == b {
		return a
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(a, b, false))

	var sb strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			sb.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			sb.WriteString("[-" + d.Text + "-]")
		case diffmatchpatch.DiffInsert:
			sb.WriteString("{+" + d.Text + "+}")
		}
	}

	return sb.String()
}
